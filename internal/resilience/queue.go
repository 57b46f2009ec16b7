package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// FailedKeys collects the activity codes whose writes failed during a run.
// Codes are de-duplicated; the latest error per code wins. Safe for
// concurrent use.
type FailedKeys struct {
	mu    sync.Mutex
	codes map[string]error
}

// NewFailedKeys creates an empty accumulator.
func NewFailedKeys() *FailedKeys {
	return &FailedKeys{codes: make(map[string]error)}
}

// Add records err against each code. Empty codes are ignored.
func (f *FailedKeys) Add(err error, codes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range codes {
		if c != "" {
			f.codes[c] = err
		}
	}
}

// Len returns the number of distinct failed codes.
func (f *FailedKeys) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

// Codes returns the failed codes in ascending order.
func (f *FailedKeys) Codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.codes))
	for c := range f.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Entries converts the accumulated failures into retry-queue rows for runID.
func (f *FailedKeys) Entries(runID string, now time.Time) []model.FailedKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.FailedKey, 0, len(f.codes))
	for c, err := range f.codes {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		out = append(out, model.FailedKey{
			Code:         c,
			RunID:        runID,
			Attempts:     1,
			LastError:    msg,
			ErrorType:    ClassifyError(err),
			FirstFailed:  now,
			LastFailedAt: now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Package store persists business records, the code taxonomy, categories,
// mappings, the classification run log, and the retry queue.
package store

import (
	"context"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// RecordFilter selects a page of unclassified records: main category unset,
// activity code set, id strictly after AfterID, ordered by id.
type RecordFilter struct {
	AfterID string   `json:"after_id,omitempty"`
	Codes   []string `json:"codes,omitempty"` // optional activity_code IN filter
	Limit   int      `json:"limit,omitempty"`
}

// CountFilter narrows CountRecords. The zero value counts every record.
type CountFilter struct {
	WithCode   bool  `json:"with_code,omitempty"`  // activity_code set
	Classified *bool `json:"classified,omitempty"` // nil = either; otherwise main category set or unset
}

// Classified and Unclassified are CountFilter.Classified values.
var (
	Classified   = boolPtr(true)
	Unclassified = boolPtr(false)
)

func boolPtr(b bool) *bool { return &b }

// Store defines the persistence interface for classification.
type Store interface {
	// Records
	ListUnclassified(ctx context.Context, filter RecordFilter) ([]model.BusinessRecord, error)
	AssignCategory(ctx context.Context, a model.Assignment) (bool, error)
	AssignCategories(ctx context.Context, as []model.Assignment) (int64, error)
	CountRecords(ctx context.Context, filter CountFilter) (int64, error)
	CategoryCounts(ctx context.Context) (map[string]int64, error)
	UnclassifiedCodeCounts(ctx context.Context) ([]model.CodeCount, error)
	UpsertRecords(ctx context.Context, records []model.BusinessRecord) (int64, error)

	// Taxonomy
	UpsertCodes(ctx context.Context, codes []model.EconomicActivityCode) (int64, error)
	ListCodes(ctx context.Context) ([]model.EconomicActivityCode, error)

	// Categories
	UpsertCategories(ctx context.Context, cats []model.Category) (int64, error)
	ListCategories(ctx context.Context) ([]model.Category, error)

	// Mappings
	UpsertMappings(ctx context.Context, ms []model.CategoryMapping) (int64, error)
	ListMappings(ctx context.Context) ([]model.CategoryMapping, error)

	// Run log
	StartRun(ctx context.Context, scope string, options []byte) (*model.RunEntry, error)
	CompleteRun(ctx context.Context, id string, report *model.RunReport) error
	FailRun(ctx context.Context, id string, report *model.RunReport) error
	ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error)

	// Retry queue
	EnqueueFailures(ctx context.Context, keys []model.FailedKey) error
	ListFailures(ctx context.Context) ([]model.FailedKey, error)
	ResolveFailures(ctx context.Context, codes []string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// dedupe keeps the last item per key, in first-seen order. Bulk upserts
// cannot touch the same conflict key twice in one statement.
func dedupe[T any, K comparable](items []T, key func(T) K) []T {
	idx := make(map[K]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if i, ok := idx[k]; ok {
			out[i] = it
			continue
		}
		idx[k] = len(out)
		out = append(out, it)
	}
	return out
}

const defaultRunListLimit = 50

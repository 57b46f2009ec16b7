package taxonomy

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// ErrNoCodes is returned when a source yields no usable economic-activity codes.
var ErrNoCodes = eris.New("taxonomy: no valid economic-activity codes in source")

// Options configures row filtering and code normalization.
type Options struct {
	// TypeFilter is the row type to keep. Compared case-insensitively. Default DefaultType.
	TypeFilter string
	// CodeWidth left-pads shorter codes with zeros. 0 disables padding.
	CodeWidth int
}

// Row is one (type, code, label) triple from the taxonomy source.
type Row struct {
	Type  string
	Code  string
	Label string
}

// Stats counts what happened to each source row during a load.
type Stats struct {
	Rows        int      `json:"rows"`
	Accepted    int      `json:"accepted"`
	OtherType   int      `json:"other_type"`
	Malformed   int      `json:"malformed"`
	Invalid     int      `json:"invalid"`
	Duplicates  int      `json:"duplicates"`
	Orphans     int      `json:"orphans"`
	OrphanCodes []string `json:"orphan_codes,omitempty"`
}

// Builder accumulates rows and produces a Table with a closed parent relation.
type Builder struct {
	opts  Options
	codes map[string]model.EconomicActivityCode
	stats Stats
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options) *Builder {
	if opts.TypeFilter == "" {
		opts.TypeFilter = DefaultType
	}
	return &Builder{
		opts:  opts,
		codes: make(map[string]model.EconomicActivityCode),
	}
}

// Add ingests one row. Rows of another type or with an invalid code are counted and skipped.
func (b *Builder) Add(r Row) {
	b.stats.Rows++

	if !strings.EqualFold(strings.TrimSpace(r.Type), b.opts.TypeFilter) {
		b.stats.OtherType++
		return
	}

	code := strings.TrimSpace(r.Code)
	if !ValidCode(code) {
		b.stats.Invalid++
		return
	}
	code = NormalizeCode(code, b.opts.CodeWidth)

	level, parent := DeriveLevel(code)
	if _, dup := b.codes[code]; dup {
		b.stats.Duplicates++
	}
	b.codes[code] = model.EconomicActivityCode{
		Code:       code,
		Label:      strings.TrimSpace(r.Label),
		Level:      level,
		ParentCode: parent,
	}
}

// AddRecord ingests a raw source record laid out as type, code, label.
// Records with fewer than three fields are counted as malformed.
func (b *Builder) AddRecord(fields []string) {
	if len(fields) < 3 {
		b.stats.Rows++
		b.stats.Malformed++
		return
	}
	b.Add(Row{Type: fields[0], Code: fields[1], Label: fields[2]})
}

// Build drops orphans and returns the table. It fails with ErrNoCodes when nothing survives.
func (b *Builder) Build() (*Table, Stats, error) {
	codes := make(map[string]model.EconomicActivityCode, len(b.codes))
	for k, v := range b.codes {
		codes[k] = v
	}

	// Removing an orphan can orphan its children, so repeat until stable.
	var orphans []string
	for {
		var removed []string
		for code, c := range codes {
			if c.ParentCode == "" {
				continue
			}
			if _, ok := codes[c.ParentCode]; !ok {
				removed = append(removed, code)
			}
		}
		if len(removed) == 0 {
			break
		}
		for _, code := range removed {
			delete(codes, code)
		}
		orphans = append(orphans, removed...)
	}
	sort.Strings(orphans)

	stats := b.stats
	stats.Orphans = len(orphans)
	stats.OrphanCodes = orphans
	stats.Accepted = len(codes)

	if len(codes) == 0 {
		return nil, stats, ErrNoCodes
	}

	t := &Table{codes: codes}
	t.index()
	return t, stats, nil
}

// Load consumes a streamed source (as produced by fetcher.StreamCSV) and builds the table.
// Individual bad rows are skipped; a source error aborts the whole load.
func Load(ctx context.Context, rowCh <-chan []string, errCh <-chan error, opts Options) (*Table, Stats, error) {
	b := NewBuilder(opts)
	for fields := range rowCh {
		b.AddRecord(fields)
	}
	for err := range errCh {
		if err != nil {
			return nil, b.stats, eris.Wrap(err, "taxonomy: read source")
		}
	}
	if ctx.Err() != nil {
		return nil, b.stats, eris.Wrap(ctx.Err(), "taxonomy: load cancelled")
	}

	t, stats, err := b.Build()
	if err != nil {
		return nil, stats, err
	}

	zap.L().Info("taxonomy loaded",
		zap.Int("rows", stats.Rows),
		zap.Int("codes", stats.Accepted),
		zap.Int("other_type", stats.OtherType),
		zap.Int("invalid", stats.Invalid+stats.Malformed),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("orphans", stats.Orphans),
	)
	return t, stats, nil
}

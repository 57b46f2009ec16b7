// Package coverage reports how much of the record set carries a category and
// which codes still need a mapping.
package coverage

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/store"
)

// Selector decides whether a code would be classified.
type Selector interface {
	Selectable(code string) bool
}

// Source is the read-only subset of the store the reporter uses.
type Source interface {
	CountRecords(ctx context.Context, filter store.CountFilter) (int64, error)
	CategoryCounts(ctx context.Context) (map[string]int64, error)
	UnclassifiedCodeCounts(ctx context.Context) ([]model.CodeCount, error)
}

// Reporter computes coverage reports. It never writes.
type Reporter struct {
	src      Source
	selector Selector
	topN     int
}

// NewReporter creates a Reporter. topN limits the unmapped and pending code
// lists; 0 returns every code.
func NewReporter(src Source, selector Selector, topN int) *Reporter {
	return &Reporter{src: src, selector: selector, topN: topN}
}

// Report gathers the current coverage figures.
func (r *Reporter) Report(ctx context.Context) (*model.CoverageReport, error) {
	var rep model.CoverageReport
	var err error

	if rep.Total, err = r.src.CountRecords(ctx, store.CountFilter{}); err != nil {
		return nil, eris.Wrap(err, "coverage: count records")
	}
	if rep.WithCode, err = r.src.CountRecords(ctx, store.CountFilter{WithCode: true}); err != nil {
		return nil, eris.Wrap(err, "coverage: count records with code")
	}
	if rep.WithCategory, err = r.src.CountRecords(ctx, store.CountFilter{Classified: store.Classified}); err != nil {
		return nil, eris.Wrap(err, "coverage: count classified records")
	}
	if rep.ClassifiedWithCode, err = r.src.CountRecords(ctx, store.CountFilter{WithCode: true, Classified: store.Classified}); err != nil {
		return nil, eris.Wrap(err, "coverage: count classified records with code")
	}
	if rep.WithCode > 0 {
		rep.CoveragePct = float64(rep.ClassifiedWithCode) / float64(rep.WithCode) * 100
	}

	if rep.ByCategory, err = r.src.CategoryCounts(ctx); err != nil {
		return nil, eris.Wrap(err, "coverage: category counts")
	}

	codes, err := r.src.UnclassifiedCodeCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "coverage: unclassified code counts")
	}
	rep.UnmappedCodes = []model.CodeCount{}
	rep.PendingCodes = []model.CodeCount{}
	for _, cc := range codes {
		if r.selector != nil && r.selector.Selectable(cc.Code) {
			rep.PendingCodes = append(rep.PendingCodes, cc)
			rep.PendingRecords += cc.Count
			continue
		}
		rep.UnmappedCodes = append(rep.UnmappedCodes, cc)
		rep.UnmappedRecords += cc.Count
	}
	sortByCount(rep.UnmappedCodes)
	sortByCount(rep.PendingCodes)
	rep.UnmappedCodes = r.top(rep.UnmappedCodes)
	rep.PendingCodes = r.top(rep.PendingCodes)

	return &rep, nil
}

func (r *Reporter) top(ccs []model.CodeCount) []model.CodeCount {
	if r.topN > 0 && len(ccs) > r.topN {
		return ccs[:r.topN]
	}
	return ccs
}

// sortByCount orders by count descending, then code.
func sortByCount(ccs []model.CodeCount) {
	sort.SliceStable(ccs, func(i, j int) bool {
		if ccs[i].Count != ccs[j].Count {
			return ccs[i].Count > ccs[j].Count
		}
		return ccs[i].Code < ccs[j].Code
	})
}

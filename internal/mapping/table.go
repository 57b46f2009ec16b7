// Package mapping maintains the economic-activity code to category mapping table
// and selects the best candidate for a code.
package mapping

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

// DefaultMinConfidence is the threshold observed in production scripts.
const DefaultMinConfidence = 0.5

var (
	ErrMissingCode         = eris.New("mapping: code is required")
	ErrMissingCategory     = eris.New("mapping: main category is required")
	ErrInvalidConfidence   = eris.New("mapping: confidence must be within [0,1]")
	ErrUnknownCategory     = eris.New("mapping: unknown category")
	ErrNotMainCategory     = eris.New("mapping: main category has a parent")
	ErrSubCategoryMismatch = eris.New("mapping: sub category does not belong to main category")
)

// Table holds candidate mappings per code. Each (code, main, sub) key appears once.
type Table struct {
	byCode map[string]map[model.MappingKey]model.CategoryMapping
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{byCode: make(map[string]map[model.MappingKey]model.CategoryMapping)}
}

// Validate checks the invariants a mapping must satisfy independent of any catalog.
func Validate(m model.CategoryMapping) error {
	if m.Code == "" {
		return ErrMissingCode
	}
	if m.MainCategoryID == "" {
		return eris.Wrapf(ErrMissingCategory, "code %s", m.Code)
	}
	if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
		return eris.Wrapf(ErrInvalidConfidence, "code %s: %v", m.Code, m.Confidence)
	}
	return nil
}

// Upsert inserts m or, when its key already exists, replaces the stored confidence and source.
// It reports whether the key was new.
func (t *Table) Upsert(m model.CategoryMapping) (bool, error) {
	if err := Validate(m); err != nil {
		return false, err
	}
	if m.Source == "" {
		m.Source = model.MappingSourceManual
	}
	cands, ok := t.byCode[m.Code]
	if !ok {
		cands = make(map[model.MappingKey]model.CategoryMapping)
		t.byCode[m.Code] = cands
	}
	_, exists := cands[m.Key()]
	cands[m.Key()] = m
	return !exists, nil
}

// Len returns the number of mappings across all codes.
func (t *Table) Len() int {
	n := 0
	for _, cands := range t.byCode {
		n += len(cands)
	}
	return n
}

// Codes returns every mapped code in ascending order.
func (t *Table) Codes() []string {
	out := make([]string, 0, len(t.byCode))
	for code := range t.byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Candidates returns the mappings for code, highest confidence first.
// Equal confidences are ordered by main then sub category id.
func (t *Table) Candidates(code string) []model.CategoryMapping {
	cands := t.byCode[code]
	out := make([]model.CategoryMapping, 0, len(cands))
	for _, m := range cands {
		out = append(out, m)
	}
	sortCandidates(out)
	return out
}

func sortCandidates(ms []model.CategoryMapping) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Confidence != ms[j].Confidence {
			return ms[i].Confidence > ms[j].Confidence
		}
		if ms[i].MainCategoryID != ms[j].MainCategoryID {
			return ms[i].MainCategoryID < ms[j].MainCategoryID
		}
		return ms[i].SubCategoryID < ms[j].SubCategoryID
	})
}

// Best returns the highest-confidence mapping for code at or above minConfidence.
func (t *Table) Best(code string, minConfidence float64) (model.CategoryMapping, bool) {
	cands := t.Candidates(code)
	if len(cands) == 0 || cands[0].Confidence < minConfidence {
		return model.CategoryMapping{}, false
	}
	return cands[0], true
}

// Has reports whether code has any candidate, selectable or not.
func (t *Table) Has(code string) bool {
	return len(t.byCode[code]) > 0
}

// All returns every mapping ordered by code, then candidate order.
func (t *Table) All() []model.CategoryMapping {
	out := make([]model.CategoryMapping, 0, t.Len())
	for _, code := range t.Codes() {
		out = append(out, t.Candidates(code)...)
	}
	return out
}

// Inherit gives every taxonomy code without a direct mapping the direct mappings of its
// nearest mapped ancestor, scaling confidence by decay per level climbed.
// Previously inherited rows are recomputed. A decay of 0 disables inheritance.
// Returns the number of inherited mappings in the table afterwards.
func (t *Table) Inherit(tax *taxonomy.Table, decay float64) int {
	for code, cands := range t.byCode {
		for k, m := range cands {
			if m.Source == model.MappingSourceInherited {
				delete(cands, k)
			}
		}
		if len(cands) == 0 {
			delete(t.byCode, code)
		}
	}
	if decay <= 0 || tax == nil {
		return 0
	}

	added := 0
	for _, code := range tax.Codes() {
		if t.Has(code) {
			continue
		}
		factor := 1.0
		for _, anc := range tax.Ancestors(code) {
			factor *= decay
			direct := t.direct(anc.Code)
			if len(direct) == 0 {
				continue
			}
			for _, m := range direct {
				m.Code = code
				m.Confidence = m.Confidence * factor
				m.Source = model.MappingSourceInherited
				if _, err := t.Upsert(m); err == nil {
					added++
				}
			}
			break
		}
	}
	return added
}

func (t *Table) direct(code string) []model.CategoryMapping {
	var out []model.CategoryMapping
	for _, m := range t.byCode[code] {
		if m.Source != model.MappingSourceInherited {
			out = append(out, m)
		}
	}
	return out
}

// Lister reads persisted mappings.
type Lister interface {
	ListMappings(ctx context.Context) ([]model.CategoryMapping, error)
}

// LoadFromStore builds a Table from persisted mappings.
func LoadFromStore(ctx context.Context, src Lister) (*Table, error) {
	ms, err := src.ListMappings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "mapping: list mappings")
	}
	t := NewTable()
	for _, m := range ms {
		if _, err := t.Upsert(m); err != nil {
			return nil, eris.Wrapf(err, "mapping: stored mapping for %s", m.Code)
		}
	}
	return t, nil
}

// Source reads persisted mappings and the code taxonomy.
type Source interface {
	Lister
	ListCodes(ctx context.Context) ([]model.EconomicActivityCode, error)
}

// LoadResolved builds the table used for classification: persisted mappings
// plus inherited candidates for unmapped codes.
func LoadResolved(ctx context.Context, src Source, decay float64) (*Table, error) {
	t, err := LoadFromStore(ctx, src)
	if err != nil {
		return nil, err
	}
	if decay <= 0 {
		return t, nil
	}
	codes, err := src.ListCodes(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "mapping: list codes")
	}
	t.Inherit(taxonomy.NewTable(codes), decay)
	return t, nil
}

// Package classify assigns categories to business records from their
// economic-activity code and runs the paginated batch that writes them.
package classify

import (
	"github.com/sells-group/bizdir-cli/internal/mapping"
	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

// EngineOptions configures candidate selection.
type EngineOptions struct {
	MinConfidence float64
	ExcludedCodes []string
	CodeWidth     int
}

// Decision is the outcome of classifying one record. Reason is empty when
// Assignment should be written.
type Decision struct {
	Assignment model.Assignment
	Reason     model.SkipReason
}

// OK reports whether the decision carries an assignment.
func (d Decision) OK() bool {
	return d.Reason == ""
}

// Engine selects a category for a record from a mapping table.
type Engine struct {
	table         *mapping.Table
	minConfidence float64
	codeWidth     int
	excluded      map[string]struct{}
}

// NewEngine creates an Engine over table.
func NewEngine(table *mapping.Table, opts EngineOptions) *Engine {
	if table == nil {
		table = mapping.NewTable()
	}
	excluded := make(map[string]struct{}, len(opts.ExcludedCodes))
	for _, c := range opts.ExcludedCodes {
		if c = taxonomy.NormalizeCode(c, opts.CodeWidth); c != "" {
			excluded[c] = struct{}{}
		}
	}
	return &Engine{
		table:         table,
		minConfidence: opts.MinConfidence,
		codeWidth:     opts.CodeWidth,
		excluded:      excluded,
	}
}

// Decide classifies rec and explains a no-op.
func (e *Engine) Decide(rec model.BusinessRecord) Decision {
	if rec.IsClassified() {
		return Decision{Reason: model.SkipClassified}
	}
	code := taxonomy.NormalizeCode(rec.ActivityCode, e.codeWidth)
	if code == "" {
		return Decision{Reason: model.SkipNoCode}
	}
	if e.Excluded(code) {
		return Decision{Reason: model.SkipExcluded}
	}
	if !e.table.Has(code) {
		return Decision{Reason: model.SkipNoMapping}
	}
	m, ok := e.table.Best(code, e.minConfidence)
	if !ok {
		return Decision{Reason: model.SkipLowConfidence}
	}
	// Code keeps the stored form so retries can filter on it.
	return Decision{Assignment: model.Assignment{
		RecordID:       rec.ID,
		Code:           rec.ActivityCode,
		MainCategoryID: m.MainCategoryID,
		SubCategoryID:  m.SubCategoryID,
		Confidence:     m.Confidence,
	}}
}

// Classify returns the assignment for rec, or false when rec is left untouched.
func (e *Engine) Classify(rec model.BusinessRecord) (model.Assignment, bool) {
	d := e.Decide(rec)
	return d.Assignment, d.OK()
}

// Excluded reports whether code is on the exclusion list.
func (e *Engine) Excluded(code string) bool {
	_, ok := e.excluded[taxonomy.NormalizeCode(code, e.codeWidth)]
	return ok
}

// Selectable reports whether a record carrying code would be assigned a category.
func (e *Engine) Selectable(code string) bool {
	code = taxonomy.NormalizeCode(code, e.codeWidth)
	if code == "" || e.Excluded(code) {
		return false
	}
	_, ok := e.table.Best(code, e.minConfidence)
	return ok
}

// Apply returns rec with the assignment's categories set. A record that
// already has a main category is returned unchanged.
func Apply(rec model.BusinessRecord, a model.Assignment) model.BusinessRecord {
	if rec.IsClassified() || a.MainCategoryID == "" {
		return rec
	}
	rec.MainCategoryID = a.MainCategoryID
	rec.SubCategoryID = a.SubCategoryID
	rec.Categories = a.CategoryList()
	return rec
}

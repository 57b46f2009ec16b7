package taxonomy

import (
	"sort"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// Table is the loaded code hierarchy, keyed by code. It is read-only after load.
type Table struct {
	codes    map[string]model.EconomicActivityCode
	children map[string][]string
}

// NewTable indexes already-derived codes, e.g. rows read back from the store.
func NewTable(codes []model.EconomicActivityCode) *Table {
	t := &Table{
		codes:    make(map[string]model.EconomicActivityCode, len(codes)),
		children: make(map[string][]string),
	}
	for _, c := range codes {
		t.codes[c.Code] = c
	}
	t.index()
	return t
}

func (t *Table) index() {
	t.children = make(map[string][]string)
	for code, c := range t.codes {
		if c.ParentCode != "" {
			t.children[c.ParentCode] = append(t.children[c.ParentCode], code)
		}
	}
	for parent := range t.children {
		sort.Strings(t.children[parent])
	}
}

// Len returns the number of codes in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.codes)
}

// Get returns the entry for code.
func (t *Table) Get(code string) (model.EconomicActivityCode, bool) {
	if t == nil {
		return model.EconomicActivityCode{}, false
	}
	c, ok := t.codes[code]
	return c, ok
}

// Parent returns the immediate ancestor of code.
func (t *Table) Parent(code string) (model.EconomicActivityCode, bool) {
	c, ok := t.Get(code)
	if !ok || c.ParentCode == "" {
		return model.EconomicActivityCode{}, false
	}
	return t.Get(c.ParentCode)
}

// Ancestors returns the chain of ancestors of code, nearest first.
func (t *Table) Ancestors(code string) []model.EconomicActivityCode {
	var out []model.EconomicActivityCode
	for {
		p, ok := t.Parent(code)
		if !ok {
			return out
		}
		out = append(out, p)
		code = p.Code
	}
}

// Children returns the sorted codes whose parent is code.
func (t *Table) Children(code string) []string {
	if t == nil {
		return nil
	}
	return t.children[code]
}

// Codes returns every code in ascending order.
func (t *Table) Codes() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.codes))
	for code := range t.codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Entries returns every entry ordered by code.
func (t *Table) Entries() []model.EconomicActivityCode {
	codes := t.Codes()
	out := make([]model.EconomicActivityCode, 0, len(codes))
	for _, code := range codes {
		out = append(out, t.codes[code])
	}
	return out
}

// CountByLevel returns how many codes sit at each level.
func (t *Table) CountByLevel() map[model.CodeLevel]int {
	out := make(map[model.CodeLevel]int, 3)
	if t == nil {
		return out
	}
	for _, c := range t.codes {
		out[c.Level]++
	}
	return out
}

// Label returns the human-readable label of code, or "".
func (t *Table) Label(code string) string {
	c, _ := t.Get(code)
	return c.Label
}

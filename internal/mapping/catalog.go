package mapping

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// Catalog indexes the application's categories for mapping validation.
type Catalog struct {
	byID map[string]model.Category
}

// NewCatalog indexes categories by id.
func NewCatalog(cats []model.Category) *Catalog {
	c := &Catalog{byID: make(map[string]model.Category, len(cats))}
	for _, cat := range cats {
		c.byID[cat.ID] = cat
	}
	return c
}

// Len returns the number of categories.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}

// Get returns the category with id.
func (c *Catalog) Get(id string) (model.Category, bool) {
	if c == nil {
		return model.Category{}, false
	}
	cat, ok := c.byID[id]
	return cat, ok
}

// Check verifies that m points at a top-level main category and, if present,
// a sub category whose parent is that main category.
func (c *Catalog) Check(m model.CategoryMapping) error {
	main, ok := c.Get(m.MainCategoryID)
	if !ok {
		return eris.Wrapf(ErrUnknownCategory, "main category %q (code %s)", m.MainCategoryID, m.Code)
	}
	if !main.IsMain() {
		return eris.Wrapf(ErrNotMainCategory, "%q (code %s)", m.MainCategoryID, m.Code)
	}
	if m.SubCategoryID == "" {
		return nil
	}
	sub, ok := c.Get(m.SubCategoryID)
	if !ok {
		return eris.Wrapf(ErrUnknownCategory, "sub category %q (code %s)", m.SubCategoryID, m.Code)
	}
	if sub.ParentID != m.MainCategoryID {
		return eris.Wrapf(ErrSubCategoryMismatch, "%q is under %q, not %q (code %s)",
			m.SubCategoryID, sub.ParentID, m.MainCategoryID, m.Code)
	}
	return nil
}

// ValidateCategories checks that every sub category's parent exists and is top-level.
func ValidateCategories(cats []model.Category) error {
	c := NewCatalog(cats)
	for _, cat := range cats {
		if cat.ID == "" {
			return eris.New("mapping: category id is required")
		}
		if cat.ParentID == "" {
			continue
		}
		parent, ok := c.Get(cat.ParentID)
		if !ok {
			return eris.Wrapf(ErrUnknownCategory, "parent %q of %q", cat.ParentID, cat.ID)
		}
		if !parent.IsMain() {
			return eris.Errorf("mapping: category %q nests below sub category %q", cat.ID, cat.ParentID)
		}
	}
	return nil
}

// MergeStats summarizes a bulk merge into a Table.
type MergeStats struct {
	Inserted int     `json:"inserted"`
	Updated  int     `json:"updated"`
	Rejected []error `json:"-"`
}

// Merge upserts ms into t, checking each against catalog when it is non-nil.
// Invalid mappings are collected in Rejected and do not stop the merge.
func (t *Table) Merge(ms []model.CategoryMapping, catalog *Catalog) MergeStats {
	var stats MergeStats
	for _, m := range ms {
		if catalog != nil {
			if err := catalog.Check(m); err != nil {
				stats.Rejected = append(stats.Rejected, err)
				continue
			}
		}
		inserted, err := t.Upsert(m)
		if err != nil {
			stats.Rejected = append(stats.Rejected, err)
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	return stats
}

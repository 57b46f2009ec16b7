package mapping

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

func TestTable_BestPicksHighestConfidence(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "shops", Confidence: 0.4})
	require.NoError(t, err)
	_, err = tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.8})
	require.NoError(t, err)

	best, ok := tbl.Best("4573", DefaultMinConfidence)
	require.True(t, ok)
	assert.Equal(t, "food", best.MainCategoryID)
	assert.Equal(t, "bakery", best.SubCategoryID)
	assert.InDelta(t, 0.8, best.Confidence, 0.0001)
}

func TestTable_BestBelowThreshold(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "food", Confidence: 0.3})
	require.NoError(t, err)

	_, ok := tbl.Best("4573", DefaultMinConfidence)
	assert.False(t, ok)
	assert.True(t, tbl.Has("4573"))

	_, ok = tbl.Best("9999", DefaultMinConfidence)
	assert.False(t, ok)
}

func TestTable_ThresholdIsInclusive(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "food", Confidence: 0.5})
	require.NoError(t, err)

	_, ok := tbl.Best("4573", 0.5)
	assert.True(t, ok)
}

func TestTable_TieBreakIsDeterministic(t *testing.T) {
	tbl := NewTable()
	for _, main := range []string{"zeta", "alpha", "mid"} {
		_, err := tbl.Upsert(model.CategoryMapping{Code: "0111", MainCategoryID: main, Confidence: 0.7})
		require.NoError(t, err)
	}
	best, ok := tbl.Best("0111", 0.5)
	require.True(t, ok)
	assert.Equal(t, "alpha", best.MainCategoryID)
}

func TestTable_UpsertUpdatesConfidence(t *testing.T) {
	tbl := NewTable()
	m := model.CategoryMapping{Code: "4573", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.6}

	inserted, err := tbl.Upsert(m)
	require.NoError(t, err)
	assert.True(t, inserted)

	m.Confidence = 0.9
	inserted, err = tbl.Upsert(m)
	require.NoError(t, err)
	assert.False(t, inserted)

	cands := tbl.Candidates("4573")
	require.Len(t, cands, 1)
	assert.InDelta(t, 0.9, cands[0].Confidence, 0.0001)
	assert.Equal(t, model.MappingSourceManual, cands[0].Source)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_UpsertValidation(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Upsert(model.CategoryMapping{MainCategoryID: "food", Confidence: 0.5})
	assert.True(t, errors.Is(err, ErrMissingCode))

	_, err = tbl.Upsert(model.CategoryMapping{Code: "4573", Confidence: 0.5})
	assert.True(t, errors.Is(err, ErrMissingCategory))

	_, err = tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "food", Confidence: 1.2})
	assert.True(t, errors.Is(err, ErrInvalidConfidence))

	_, err = tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "food", Confidence: -0.1})
	assert.True(t, errors.Is(err, ErrInvalidConfidence))

	assert.Equal(t, 0, tbl.Len())
}

func testCatalog() *Catalog {
	return NewCatalog([]model.Category{
		{ID: "food", Name: "Food"},
		{ID: "bakery", Name: "Bakery", ParentID: "food"},
		{ID: "shops", Name: "Shops"},
		{ID: "florist", Name: "Florist", ParentID: "shops"},
	})
}

func TestCatalog_Check(t *testing.T) {
	cat := testCatalog()

	assert.NoError(t, cat.Check(model.CategoryMapping{Code: "4573", MainCategoryID: "food", SubCategoryID: "bakery"}))
	assert.NoError(t, cat.Check(model.CategoryMapping{Code: "4573", MainCategoryID: "food"}))

	err := cat.Check(model.CategoryMapping{Code: "4573", MainCategoryID: "food", SubCategoryID: "florist"})
	assert.True(t, errors.Is(err, ErrSubCategoryMismatch))

	err = cat.Check(model.CategoryMapping{Code: "4573", MainCategoryID: "bakery"})
	assert.True(t, errors.Is(err, ErrNotMainCategory))

	err = cat.Check(model.CategoryMapping{Code: "4573", MainCategoryID: "garden"})
	assert.True(t, errors.Is(err, ErrUnknownCategory))

	err = cat.Check(model.CategoryMapping{Code: "4573", MainCategoryID: "food", SubCategoryID: "cakes"})
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestTable_Merge(t *testing.T) {
	tbl := NewTable()
	stats := tbl.Merge([]model.CategoryMapping{
		{Code: "4573", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.8},
		{Code: "4573", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.85},
		{Code: "4574", MainCategoryID: "shops", SubCategoryID: "bakery", Confidence: 0.7},
		{Code: "4575", MainCategoryID: "shops", Confidence: 3},
	}, testCatalog())

	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Updated)
	assert.Len(t, stats.Rejected, 2)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_Inherit(t *testing.T) {
	b := taxonomy.NewBuilder(taxonomy.Options{CodeWidth: 4})
	for _, r := range []taxonomy.Row{
		{Type: "economic-activity", Code: "4500", Label: "Retail"},
		{Type: "economic-activity", Code: "4570", Label: "Food retail"},
		{Type: "economic-activity", Code: "4573", Label: "Bakeries"},
		{Type: "economic-activity", Code: "4574", Label: "Butchers"},
		{Type: "economic-activity", Code: "4580", Label: "Other retail"},
		{Type: "economic-activity", Code: "4581", Label: "Florists"},
	} {
		b.Add(r)
	}
	tax, _, err := b.Build()
	require.NoError(t, err)

	tbl := NewTable()
	_, err = tbl.Upsert(model.CategoryMapping{Code: "4500", MainCategoryID: "shops", Confidence: 1.0})
	require.NoError(t, err)
	_, err = tbl.Upsert(model.CategoryMapping{Code: "4570", MainCategoryID: "food", Confidence: 0.9})
	require.NoError(t, err)
	_, err = tbl.Upsert(model.CategoryMapping{Code: "4573", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.95})
	require.NoError(t, err)

	added := tbl.Inherit(tax, 0.8)
	// 4574 <- 4570, 4580 <- 4500, 4581 <- 4500 (two levels)
	assert.Equal(t, 3, added)

	best, ok := tbl.Best("4574", 0.5)
	require.True(t, ok)
	assert.Equal(t, "food", best.MainCategoryID)
	assert.InDelta(t, 0.72, best.Confidence, 0.0001)
	assert.Equal(t, model.MappingSourceInherited, best.Source)

	best, ok = tbl.Best("4581", 0.5)
	require.True(t, ok)
	assert.Equal(t, "shops", best.MainCategoryID)
	assert.InDelta(t, 0.64, best.Confidence, 0.0001)

	// Direct mapping untouched.
	best, _ = tbl.Best("4573", 0.5)
	assert.Equal(t, model.MappingSourceManual, best.Source)

	// Recomputing is idempotent and decay 0 removes inherited rows.
	assert.Equal(t, 3, tbl.Inherit(tax, 0.8))
	assert.Equal(t, 6, tbl.Len())
	assert.Equal(t, 0, tbl.Inherit(tax, 0))
	assert.Equal(t, 3, tbl.Len())
	assert.False(t, tbl.Has("4574"))
}

func TestDecodeYAML(t *testing.T) {
	doc := `
mappings:
  - code: "4573"
    main_category_id: food
    sub_category_id: bakery
    confidence: 0.8
  - code: "0111"
    main_category_id: agriculture
    confidence: 0.65
`
	ms, err := DecodeYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "4573", ms[0].Code)
	assert.Equal(t, "bakery", ms[0].SubCategoryID)
	assert.InDelta(t, 0.65, ms[1].Confidence, 0.0001)
}

func TestDecodeCategoriesYAML(t *testing.T) {
	doc := `
categories:
  - id: food
    name: Food
    subcategories:
      - id: bakery
        name: Bakery
  - id: shops
    name: Shops
`
	cats, err := DecodeCategoriesYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, cats, 3)
	assert.Equal(t, "food", cats[1].ParentID)
	assert.True(t, cats[2].IsMain())
}

func TestFromRecord(t *testing.T) {
	m, err := FromRecord([]string{" 4573 ", "food", "bakery", "0.8"})
	require.NoError(t, err)
	assert.Equal(t, "4573", m.Code)
	assert.InDelta(t, 0.8, m.Confidence, 0.0001)

	m, err = FromRecord([]string{"4573", "food"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Confidence, 0.0001)
	assert.Empty(t, m.SubCategoryID)

	_, err = FromRecord([]string{"4573", "food", "", "high"})
	assert.Error(t, err)

	_, err = FromRecord([]string{"4573"})
	assert.Error(t, err)
}

type fakeLister struct {
	ms  []model.CategoryMapping
	err error
}

func (f fakeLister) ListMappings(context.Context) ([]model.CategoryMapping, error) {
	return f.ms, f.err
}

func TestLoadFromStore(t *testing.T) {
	tbl, err := LoadFromStore(context.Background(), fakeLister{ms: []model.CategoryMapping{
		{Code: "4573", MainCategoryID: "food", Confidence: 0.8},
		{Code: "4573", MainCategoryID: "shops", Confidence: 0.4},
	}})
	require.NoError(t, err)
	assert.Len(t, tbl.Candidates("4573"), 2)

	_, err = LoadFromStore(context.Background(), fakeLister{err: errors.New("boom")})
	assert.Error(t, err)
}

type fakeSource struct {
	fakeLister
	codes []model.EconomicActivityCode
}

func (f fakeSource) ListCodes(context.Context) ([]model.EconomicActivityCode, error) {
	return f.codes, nil
}

func TestLoadResolved(t *testing.T) {
	src := fakeSource{
		fakeLister: fakeLister{ms: []model.CategoryMapping{
			{Code: "1070", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 1},
		}},
		codes: []model.EconomicActivityCode{
			{Code: "1000", Level: model.LevelMajor},
			{Code: "1070", Level: model.LevelIntermediate, ParentCode: "1000"},
			{Code: "1071", Level: model.LevelSpecific, ParentCode: "1070"},
		},
	}

	tbl, err := LoadResolved(context.Background(), src, 0.8)
	require.NoError(t, err)
	best, ok := tbl.Best("1071", 0.5)
	require.True(t, ok)
	assert.Equal(t, model.MappingSourceInherited, best.Source)
	assert.InDelta(t, 0.8, best.Confidence, 1e-9)

	tbl, err = LoadResolved(context.Background(), src, 0)
	require.NoError(t, err)
	assert.False(t, tbl.Has("1071"))
}

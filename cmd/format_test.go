package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

func TestFormatLoadStats(t *testing.T) {
	var buf bytes.Buffer
	formatLoadStats(&buf, taxonomy.Stats{Rows: 10, Accepted: 6, OtherType: 2, Invalid: 1, Malformed: 1, Orphans: 1},
		map[model.CodeLevel]int{model.LevelMajor: 1, model.LevelIntermediate: 2, model.LevelSpecific: 3})

	output := buf.String()
	assert.Contains(t, output, "Rows read:")
	assert.Contains(t, output, "intermediate:")
	assert.Contains(t, output, "Orphans dropped:")
	assert.Regexp(t, `Invalid codes:\s+2`, output)
}

func TestFormatCandidates(t *testing.T) {
	var buf bytes.Buffer
	formatCandidates(&buf, nil)
	assert.Contains(t, buf.String(), "No mapping candidates.")

	buf.Reset()
	formatCandidates(&buf, []model.CategoryMapping{
		{Code: "1071", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.72, Source: model.MappingSourceInherited},
	})
	output := buf.String()
	assert.Contains(t, output, "CONFIDENCE")
	assert.Contains(t, output, "0.72")
	assert.Contains(t, output, "inherited")
}

func TestFormatCodeDetail(t *testing.T) {
	var buf bytes.Buffer
	formatCodeDetail(&buf,
		model.EconomicActivityCode{Code: "1071", Label: "Bread and pastry", Level: model.LevelSpecific, ParentCode: "1070"},
		[]model.EconomicActivityCode{{Code: "1070", Label: "Food products"}, {Code: "1000", Label: "Manufacturing"}},
		nil, nil)

	output := buf.String()
	assert.Contains(t, output, "Bread and pastry")
	assert.Contains(t, output, "specific")
	assert.Contains(t, output, "1070 Food products")
	assert.Contains(t, output, "No mapping candidates.")
}

func TestFormatCoverage(t *testing.T) {
	rep := &model.CoverageReport{
		Total:        100,
		WithCode:     60,
		WithCategory: 40,
		CoveragePct:  66.666,
		ByCategory:   map[string]int64{"food": 30, "retail": 10},
		UnmappedCodes: []model.CodeCount{
			{Code: "9999", Count: 10, Label: "Unknown activity"},
		},
		UnmappedRecords: 10,
	}

	var buf bytes.Buffer
	formatCoverage(&buf, rep)

	output := buf.String()
	assert.Contains(t, output, "66.7%")
	assert.Contains(t, output, "UNMAPPED CODE")
	assert.Contains(t, output, "Unknown activity")
	assert.NotContains(t, output, "PENDING CODE")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("food")), bytes.Index(buf.Bytes(), []byte("retail")))
}

func TestLabelCodes(t *testing.T) {
	tax := taxonomy.NewTable([]model.EconomicActivityCode{{Code: "1071", Label: "Bread and pastry"}})
	rep := &model.CoverageReport{
		UnmappedCodes: []model.CodeCount{{Code: "1071", Count: 1}, {Code: "4776", Count: 1}},
		PendingCodes:  []model.CodeCount{{Code: "1071", Count: 2, Label: "kept"}},
	}
	labelCodes(rep, tax)
	assert.Equal(t, "Bread and pastry", rep.UnmappedCodes[0].Label)
	assert.Empty(t, rep.UnmappedCodes[1].Label)
	assert.Equal(t, "kept", rep.PendingCodes[0].Label)
}

func TestFormatCategories(t *testing.T) {
	var buf bytes.Buffer
	formatCategories(&buf, nil)
	assert.Contains(t, buf.String(), "No categories found.")

	buf.Reset()
	formatCategories(&buf, []model.Category{{ID: "food", Name: "Food"}, {ID: "bakery", Name: "Bakery", ParentID: "food"}})
	output := buf.String()
	assert.Contains(t, output, "PARENT")
	assert.Contains(t, output, "bakery")
}

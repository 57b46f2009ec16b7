package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRecords(t *testing.T, st *SQLiteStore, recs ...model.BusinessRecord) {
	t.Helper()
	_, err := st.UpsertRecords(context.Background(), recs)
	require.NoError(t, err)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

// --- Records ---

func TestSQLite_ListUnclassified_Keyset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedRecords(t, st,
		model.BusinessRecord{ID: "b1", Name: "Bakery", ActivityCode: "1071"},
		model.BusinessRecord{ID: "b2", Name: "No code"},
		model.BusinessRecord{ID: "b3", Name: "Florist", ActivityCode: "4776"},
		model.BusinessRecord{ID: "b4", Name: "Classified", ActivityCode: "1071", MainCategoryID: "food"},
		model.BusinessRecord{ID: "b5", Name: "Butcher", ActivityCode: "4722"},
	)

	page, err := st.ListUnclassified(ctx, RecordFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b1", page[0].ID)
	assert.Equal(t, "b3", page[1].ID)

	page, err = st.ListUnclassified(ctx, RecordFilter{AfterID: "b3", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b5", page[0].ID)
	assert.Equal(t, "4722", page[0].ActivityCode)

	page, err = st.ListUnclassified(ctx, RecordFilter{AfterID: "b5"})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSQLite_ListUnclassified_Codes(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedRecords(t, st,
		model.BusinessRecord{ID: "b1", ActivityCode: "1071"},
		model.BusinessRecord{ID: "b2", ActivityCode: "4776"},
		model.BusinessRecord{ID: "b3", ActivityCode: "4722"},
	)

	page, err := st.ListUnclassified(context.Background(), RecordFilter{Codes: []string{"4776", "4722"}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b2", page[0].ID)
	assert.Equal(t, "b3", page[1].ID)
}

func TestSQLite_AssignCategory_CompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecords(t, st, model.BusinessRecord{ID: "b1", ActivityCode: "1071"})

	ok, err := st.AssignCategory(ctx, model.Assignment{RecordID: "b1", MainCategoryID: "food", SubCategoryID: "bakery"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AssignCategory(ctx, model.Assignment{RecordID: "b1", MainCategoryID: "retail"})
	require.NoError(t, err)
	assert.False(t, ok, "second write must not overwrite")

	counts, err := st.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"food": 1}, counts)
}

func TestSQLite_AssignCategories(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecords(t, st,
		model.BusinessRecord{ID: "b1", ActivityCode: "1071"},
		model.BusinessRecord{ID: "b2", ActivityCode: "4776"},
		model.BusinessRecord{ID: "b3", ActivityCode: "4776", MainCategoryID: "shops"},
	)

	n, err := st.AssignCategories(ctx, []model.Assignment{
		{RecordID: "b1", MainCategoryID: "food", SubCategoryID: "bakery"},
		{RecordID: "b2", MainCategoryID: "retail"},
		{RecordID: "b3", MainCategoryID: "retail"},
		{RecordID: "missing", MainCategoryID: "retail"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := st.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"food": 1, "retail": 1, "shops": 1}, counts)

	var cats string
	require.NoError(t, st.db.QueryRow(`SELECT categories FROM businesses WHERE id = 'b1'`).Scan(&cats))
	assert.JSONEq(t, `["food","bakery"]`, cats)
}

func TestSQLite_AssignCategories_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	n, err := st.AssignCategories(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_UpsertRecords_KeepsClassification(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecords(t, st, model.BusinessRecord{ID: "b1", Name: "Old", ActivityCode: "1071"})

	_, err := st.AssignCategory(ctx, model.Assignment{RecordID: "b1", MainCategoryID: "food"})
	require.NoError(t, err)

	seedRecords(t, st, model.BusinessRecord{ID: "b1", Name: "New", ActivityCode: "1072", MainCategoryID: "retail"})

	var name, code, main string
	require.NoError(t, st.db.QueryRow(`SELECT name, activity_code, main_category_id FROM businesses WHERE id = 'b1'`).
		Scan(&name, &code, &main))
	assert.Equal(t, "New", name)
	assert.Equal(t, "1072", code)
	assert.Equal(t, "food", main)
}

func TestSQLite_CountRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRecords(t, st,
		model.BusinessRecord{ID: "b1", ActivityCode: "1071", MainCategoryID: "food"},
		model.BusinessRecord{ID: "b2", ActivityCode: "4776"},
		model.BusinessRecord{ID: "b3"},
	)

	tests := []struct {
		name   string
		filter CountFilter
		want   int64
	}{
		{"all", CountFilter{}, 3},
		{"with code", CountFilter{WithCode: true}, 2},
		{"classified", CountFilter{Classified: Classified}, 1},
		{"unclassified with code", CountFilter{WithCode: true, Classified: Unclassified}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := st.CountRecords(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestSQLite_UnclassifiedCodeCounts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertCodes(ctx, []model.EconomicActivityCode{{Code: "4776", Label: "Florists", Level: model.LevelSpecific}})
	require.NoError(t, err)
	seedRecords(t, st,
		model.BusinessRecord{ID: "b1", ActivityCode: "1071"},
		model.BusinessRecord{ID: "b2", ActivityCode: "4776"},
		model.BusinessRecord{ID: "b3", ActivityCode: "4776"},
		model.BusinessRecord{ID: "b4", ActivityCode: "4776", MainCategoryID: "retail"},
	)

	got, err := st.UnclassifiedCodeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.CodeCount{
		{Code: "4776", Count: 2, Label: "Florists"},
		{Code: "1071", Count: 1},
	}, got)
}

// --- Taxonomy, categories, mappings ---

func TestSQLite_Codes_UpsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertCodes(ctx, []model.EconomicActivityCode{
		{Code: "1000", Label: "Manufacturing", Level: model.LevelMajor},
		{Code: "1070", Label: "Bakery products", Level: model.LevelIntermediate, ParentCode: "1000"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = st.UpsertCodes(ctx, []model.EconomicActivityCode{
		{Code: "1070", Label: "Bread and pastry", Level: model.LevelIntermediate, ParentCode: "1000"},
	})
	require.NoError(t, err)

	codes, err := st.ListCodes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, model.LevelMajor, codes[0].Level)
	assert.Equal(t, "Bread and pastry", codes[1].Label)
	assert.Equal(t, "1000", codes[1].ParentCode)
}

func TestSQLite_Categories_UpsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.UpsertCategories(ctx, []model.Category{
		{ID: "food", Name: "Food"},
		{ID: "bakery", Name: "Bakery", Slug: "bakery", ParentID: "food"},
	})
	require.NoError(t, err)

	cats, err := st.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "bakery", cats[0].ID)
	assert.Equal(t, "food", cats[0].ParentID)
	assert.True(t, cats[1].IsMain())
}

func TestSQLite_Mappings_UpsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.UpsertMappings(ctx, []model.CategoryMapping{
		{Code: "1071", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 0.9},
		{Code: "1071", MainCategoryID: "food", Confidence: 0.5},
		{Code: "1071", MainCategoryID: "food", SubCategoryID: "bakery", Confidence: 1},
	})
	require.NoError(t, err)

	ms, err := st.ListMappings(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "", ms[0].SubCategoryID)
	assert.Equal(t, model.MappingSourceManual, ms[0].Source)
	assert.Equal(t, "bakery", ms[1].SubCategoryID)
	assert.InDelta(t, 1.0, ms[1].Confidence, 1e-9)
}

func TestSQLite_Mappings_RejectsOutOfRangeConfidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.UpsertMappings(context.Background(), []model.CategoryMapping{
		{Code: "1071", MainCategoryID: "food", Confidence: 1.5},
	})
	assert.Error(t, err)
}

// --- Run log ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry, err := st.StartRun(ctx, "all", []byte(`{"batch":true}`))
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	require.NoError(t, st.CompleteRun(ctx, entry.ID, &model.RunReport{Processed: 10, Updated: 7, Skipped: 3}))

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, int64(7), runs[0].Updated)
	assert.Equal(t, int64(3), runs[0].Skipped)
	assert.JSONEq(t, `{"batch":true}`, string(runs[0].Options))
	require.NotNil(t, runs[0].CompletedAt)
}

func TestSQLite_FailRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry, err := st.StartRun(ctx, "codes", nil)
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, entry.ID, &model.RunReport{Errored: 2, Error: "fetch page: connection refused"}))

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "fetch page: connection refused", runs[0].Error)
	assert.Nil(t, runs[0].Options)
}

func TestSQLite_FinishRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.CompleteRun(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_ListRuns_Limit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for i := range 3 {
		_, err := st.StartRun(ctx, fmt.Sprintf("scope-%d", i), nil)
		require.NoError(t, err)
	}
	runs, err := st.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

// --- Retry queue ---

func TestSQLite_RetryQueue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := first.Add(time.Hour)

	require.NoError(t, st.EnqueueFailures(ctx, []model.FailedKey{
		{Code: "1071", RunID: "r1", LastError: "timeout", ErrorType: "transient", FirstFailed: first, LastFailedAt: first},
		{Code: "4776", RunID: "r1", LastError: "constraint", ErrorType: "permanent", FirstFailed: first, LastFailedAt: first},
	}))
	require.NoError(t, st.EnqueueFailures(ctx, []model.FailedKey{
		{Code: "1071", RunID: "r2", LastError: "locked", ErrorType: "transient", FirstFailed: later, LastFailedAt: later},
	}))

	keys, err := st.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "1071", keys[0].Code)
	assert.Equal(t, 2, keys[0].Attempts)
	assert.Equal(t, "r2", keys[0].RunID)
	assert.Equal(t, "locked", keys[0].LastError)
	assert.True(t, keys[0].FirstFailed.Equal(first), "first failure time is kept")
	assert.True(t, keys[0].LastFailedAt.Equal(later))
	assert.Equal(t, 1, keys[1].Attempts)

	n, err := st.ResolveFailures(ctx, []string{"1071", "9999"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keys, err = st.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "4776", keys[0].Code)
}

func TestSQLite_ResolveFailures_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	n, err := st.ResolveFailures(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

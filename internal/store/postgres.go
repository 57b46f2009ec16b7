package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir-cli/internal/db"
	"github.com/sells-group/bizdir-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlAssignCategory = `UPDATE businesses SET main_category_id = $1, sub_category_id = NULLIF($2, ''), categories = $3, updated_at = now() WHERE id = $4 AND main_category_id IS NULL`

	sqlAssignCategories = `UPDATE businesses AS b
SET main_category_id = u.main_id,
	sub_category_id = NULLIF(u.sub_id, ''),
	categories = CASE WHEN u.sub_id = '' THEN ARRAY[u.main_id] ELSE ARRAY[u.main_id, u.sub_id] END,
	updated_at = now()
FROM unnest($1::text[], $2::text[], $3::text[]) AS u(id, main_id, sub_id)
WHERE b.id = u.id AND b.main_category_id IS NULL`

	sqlFinishRun = `UPDATE classification_runs SET status = $1, completed_at = $2, processed = $3, updated = $4, skipped = $5, errored = $6, error = $7 WHERE id = $8`
)

// NewPostgres creates a PostgresStore with a connection pool. Connecting does
// not touch any table; Migrate creates the schema.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := newPoolConfig(connString, poolCfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func newPoolConfig(connString string, poolCfg *PoolConfig) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	return pgxCfg, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS businesses (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	activity_code    TEXT,
	main_category_id TEXT,
	sub_category_id  TEXT,
	categories       TEXT[] NOT NULL DEFAULT '{}',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_businesses_unclassified ON businesses(id)
	WHERE main_category_id IS NULL AND activity_code IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_businesses_activity_code ON businesses(activity_code);
CREATE INDEX IF NOT EXISTS idx_businesses_main_category ON businesses(main_category_id);

CREATE TABLE IF NOT EXISTS activity_codes (
	code        TEXT PRIMARY KEY,
	label       TEXT NOT NULL DEFAULT '',
	level       INTEGER NOT NULL,
	parent_code TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS categories (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	slug      TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS category_mappings (
	code             TEXT NOT NULL,
	main_category_id TEXT NOT NULL,
	sub_category_id  TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source           TEXT NOT NULL DEFAULT 'manual',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (code, main_category_id, sub_category_id)
);

CREATE TABLE IF NOT EXISTS classification_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	scope        TEXT NOT NULL DEFAULT '',
	options      JSONB,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	processed    BIGINT NOT NULL DEFAULT 0,
	updated      BIGINT NOT NULL DEFAULT 0,
	skipped      BIGINT NOT NULL DEFAULT 0,
	errored      BIGINT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_classification_runs_started ON classification_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS retry_queue (
	code            TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 1,
	last_error      TEXT NOT NULL DEFAULT '',
	error_type      TEXT NOT NULL DEFAULT 'transient',
	first_failed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Records ---

func (s *PostgresStore) ListUnclassified(ctx context.Context, filter RecordFilter) ([]model.BusinessRecord, error) {
	query := `SELECT id, name, activity_code, updated_at FROM businesses
WHERE main_category_id IS NULL AND activity_code IS NOT NULL AND activity_code <> '' AND id > $1`
	args := []any{filter.AfterID}
	if len(filter.Codes) > 0 {
		args = append(args, filter.Codes)
		query += fmt.Sprintf(` AND activity_code = ANY($%d)`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unclassified")
	}
	defer rows.Close()

	var out []model.BusinessRecord
	for rows.Next() {
		var r model.BusinessRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.ActivityCode, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

func (s *PostgresStore) AssignCategory(ctx context.Context, a model.Assignment) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlAssignCategory, a.MainCategoryID, a.SubCategoryID, a.CategoryList(), a.RecordID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: assign category to %s", a.RecordID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AssignCategories(ctx context.Context, as []model.Assignment) (int64, error) {
	if len(as) == 0 {
		return 0, nil
	}
	ids := make([]string, len(as))
	mains := make([]string, len(as))
	subs := make([]string, len(as))
	for i, a := range as {
		ids[i], mains[i], subs[i] = a.RecordID, a.MainCategoryID, a.SubCategoryID
	}
	tag, err := s.pool.Exec(ctx, sqlAssignCategories, ids, mains, subs)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: assign categories (%d records)", len(as))
	}
	return tag.RowsAffected(), nil
}

func countWhere(filter CountFilter) string {
	var conds []string
	if filter.WithCode {
		conds = append(conds, "activity_code IS NOT NULL AND activity_code <> ''")
	}
	if filter.Classified != nil {
		if *filter.Classified {
			conds = append(conds, "main_category_id IS NOT NULL")
		} else {
			conds = append(conds, "main_category_id IS NULL")
		}
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (s *PostgresStore) CountRecords(ctx context.Context, filter CountFilter) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM businesses`+countWhere(filter)).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count records")
	}
	return n, nil
}

func (s *PostgresStore) CategoryCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT main_category_id, count(*) FROM businesses WHERE main_category_id IS NOT NULL GROUP BY main_category_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: category counts")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category count")
		}
		out[id] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate category counts")
}

func (s *PostgresStore) UnclassifiedCodeCounts(ctx context.Context) ([]model.CodeCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT b.activity_code, count(*), COALESCE(max(c.label), '')
FROM businesses b LEFT JOIN activity_codes c ON c.code = b.activity_code
WHERE b.main_category_id IS NULL AND b.activity_code IS NOT NULL AND b.activity_code <> ''
GROUP BY b.activity_code ORDER BY count(*) DESC, b.activity_code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: unclassified code counts")
	}
	defer rows.Close()

	var out []model.CodeCount
	for rows.Next() {
		var cc model.CodeCount
		if err := rows.Scan(&cc.Code, &cc.Count, &cc.Label); err != nil {
			return nil, eris.Wrap(err, "postgres: scan code count")
		}
		out = append(out, cc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate code counts")
}

// UpsertRecords inserts records or refreshes name and code of existing ones.
// An existing category assignment is never overwritten.
func (s *PostgresStore) UpsertRecords(ctx context.Context, records []model.BusinessRecord) (int64, error) {
	records = dedupe(records, func(r model.BusinessRecord) string { return r.ID })
	now := time.Now().UTC()
	rows := make([][]any, len(records))
	for i, r := range records {
		cats := r.Categories
		if cats == nil {
			cats = []string{}
		}
		rows[i] = []any{r.ID, r.Name, nullIfEmpty(r.ActivityCode), nullIfEmpty(r.MainCategoryID), nullIfEmpty(r.SubCategoryID), cats, now}
	}
	keep := `CASE WHEN "businesses"."main_category_id" IS NULL THEN EXCLUDED.%[1]s ELSE "businesses".%[1]s END`
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "businesses",
		Columns:      []string{"id", "name", "activity_code", "main_category_id", "sub_category_id", "categories", "updated_at"},
		ConflictKeys: []string{"id"},
		SetExprs: map[string]string{
			"main_category_id": fmt.Sprintf(keep, `"main_category_id"`),
			"sub_category_id":  fmt.Sprintf(keep, `"sub_category_id"`),
			"categories":       fmt.Sprintf(keep, `"categories"`),
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert records")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Taxonomy, categories, mappings ---

func (s *PostgresStore) UpsertCodes(ctx context.Context, codes []model.EconomicActivityCode) (int64, error) {
	codes = dedupe(codes, func(c model.EconomicActivityCode) string { return c.Code })
	now := time.Now().UTC()
	rows := make([][]any, len(codes))
	for i, c := range codes {
		rows[i] = []any{c.Code, c.Label, int32(c.Level), c.ParentCode, now}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "activity_codes",
		Columns:      []string{"code", "label", "level", "parent_code", "updated_at"},
		ConflictKeys: []string{"code"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert codes")
}

func (s *PostgresStore) ListCodes(ctx context.Context) ([]model.EconomicActivityCode, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, label, level, parent_code FROM activity_codes ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list codes")
	}
	defer rows.Close()

	var out []model.EconomicActivityCode
	for rows.Next() {
		var c model.EconomicActivityCode
		var level int32
		if err := rows.Scan(&c.Code, &c.Label, &level, &c.ParentCode); err != nil {
			return nil, eris.Wrap(err, "postgres: scan code")
		}
		c.Level = model.CodeLevel(level)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate codes")
}

func (s *PostgresStore) UpsertCategories(ctx context.Context, cats []model.Category) (int64, error) {
	cats = dedupe(cats, func(c model.Category) string { return c.ID })
	rows := make([][]any, len(cats))
	for i, c := range cats {
		rows[i] = []any{c.ID, c.Name, c.Slug, c.ParentID}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "categories",
		Columns:      []string{"id", "name", "slug", "parent_id"},
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert categories")
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, parent_id FROM categories ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list categories")
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate categories")
}

func (s *PostgresStore) UpsertMappings(ctx context.Context, ms []model.CategoryMapping) (int64, error) {
	ms = dedupe(ms, model.CategoryMapping.Key)
	now := time.Now().UTC()
	rows := make([][]any, len(ms))
	for i, m := range ms {
		rows[i] = []any{m.Code, m.MainCategoryID, m.SubCategoryID, m.Confidence, string(sourceOrManual(m.Source)), now}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "category_mappings",
		Columns:      []string{"code", "main_category_id", "sub_category_id", "confidence", "source", "updated_at"},
		ConflictKeys: []string{"code", "main_category_id", "sub_category_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert mappings")
}

func sourceOrManual(src model.MappingSource) model.MappingSource {
	if src == "" {
		return model.MappingSourceManual
	}
	return src
}

func (s *PostgresStore) ListMappings(ctx context.Context) ([]model.CategoryMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, main_category_id, sub_category_id, confidence, source FROM category_mappings ORDER BY code, main_category_id, sub_category_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mappings")
	}
	defer rows.Close()

	var out []model.CategoryMapping
	for rows.Next() {
		var m model.CategoryMapping
		var src string
		if err := rows.Scan(&m.Code, &m.MainCategoryID, &m.SubCategoryID, &m.Confidence, &src); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		m.Source = model.MappingSource(src)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate mappings")
}

// --- Run log ---

func (s *PostgresStore) StartRun(ctx context.Context, scope string, options []byte) (*model.RunEntry, error) {
	entry := &model.RunEntry{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Scope:     scope,
		StartedAt: time.Now().UTC(),
		Options:   options,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO classification_runs (id, status, scope, options, started_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, string(entry.Status), entry.Scope, options, entry.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: start run")
	}
	return entry, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, report *model.RunReport) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, report)
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, report *model.RunReport) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, report)
}

func (s *PostgresStore) finishRun(ctx context.Context, id string, status model.RunStatus, report *model.RunReport) error {
	r := reportOrEmpty(report)
	tag, err := s.pool.Exec(ctx, sqlFinishRun,
		string(status), time.Now().UTC(), r.Processed, r.Updated, r.Skipped, r.Errored, r.Error, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func reportOrEmpty(r *model.RunReport) *model.RunReport {
	if r == nil {
		return &model.RunReport{}
	}
	return r
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, scope, started_at, completed_at, processed, updated, skipped, errored, error
FROM classification_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.RunEntry
	for rows.Next() {
		var e model.RunEntry
		var status string
		if err := rows.Scan(&e.ID, &status, &e.Scope, &e.StartedAt, &e.CompletedAt,
			&e.Processed, &e.Updated, &e.Skipped, &e.Errored, &e.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		e.Status = model.RunStatus(status)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// --- Retry queue ---

// EnqueueFailures adds codes to the retry queue. A code already queued has
// its attempt count incremented and its last error replaced.
func (s *PostgresStore) EnqueueFailures(ctx context.Context, keys []model.FailedKey) error {
	keys = dedupe(keys, func(k model.FailedKey) string { return k.Code })
	rows := make([][]any, len(keys))
	for i, k := range keys {
		attempts := k.Attempts
		if attempts <= 0 {
			attempts = 1
		}
		rows[i] = []any{k.Code, k.RunID, int32(attempts), k.LastError, k.ErrorType, k.FirstFailed, k.LastFailedAt}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "retry_queue",
		Columns:      []string{"code", "run_id", "attempts", "last_error", "error_type", "first_failed_at", "last_failed_at"},
		ConflictKeys: []string{"code"},
		UpdateCols:   []string{"run_id", "attempts", "last_error", "error_type", "last_failed_at"},
		SetExprs:     map[string]string{"attempts": `"retry_queue"."attempts" + 1`},
	}, rows)
	return eris.Wrap(err, "postgres: enqueue failures")
}

func (s *PostgresStore) ListFailures(ctx context.Context) ([]model.FailedKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, run_id, attempts, last_error, error_type, first_failed_at, last_failed_at FROM retry_queue ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.FailedKey
	for rows.Next() {
		var k model.FailedKey
		var attempts int32
		if err := rows.Scan(&k.Code, &k.RunID, &attempts, &k.LastError, &k.ErrorType, &k.FirstFailed, &k.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		k.Attempts = int(attempts)
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate failures")
}

func (s *PostgresStore) ResolveFailures(ctx context.Context, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM retry_queue WHERE code = ANY($1)`, codes)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: resolve failures")
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)

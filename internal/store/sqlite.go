package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Categories are kept
// as a JSON array in a TEXT column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; record-mode workers queue on the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS businesses (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	activity_code    TEXT,
	main_category_id TEXT,
	sub_category_id  TEXT,
	categories       TEXT NOT NULL DEFAULT '[]',
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_businesses_activity_code ON businesses(activity_code);
CREATE INDEX IF NOT EXISTS idx_businesses_main_category ON businesses(main_category_id);

CREATE TABLE IF NOT EXISTS activity_codes (
	code        TEXT PRIMARY KEY,
	label       TEXT NOT NULL DEFAULT '',
	level       INTEGER NOT NULL,
	parent_code TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
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
	confidence       REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source           TEXT NOT NULL DEFAULT 'manual',
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (code, main_category_id, sub_category_id)
);

CREATE TABLE IF NOT EXISTS classification_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	scope        TEXT NOT NULL DEFAULT '',
	options      TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	processed    INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	errored      INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS retry_queue (
	code            TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 1,
	last_error      TEXT NOT NULL DEFAULT '',
	error_type      TEXT NOT NULL DEFAULT 'transient',
	first_failed_at DATETIME NOT NULL,
	last_failed_at  DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Records ---

func (s *SQLiteStore) ListUnclassified(ctx context.Context, filter RecordFilter) ([]model.BusinessRecord, error) {
	query := `SELECT id, name, activity_code, updated_at FROM businesses
WHERE main_category_id IS NULL AND activity_code IS NOT NULL AND activity_code <> '' AND id > ?`
	args := []any{filter.AfterID}
	if len(filter.Codes) > 0 {
		query += ` AND activity_code IN (` + placeholders(len(filter.Codes)) + `)`
		for _, c := range filter.Codes {
			args = append(args, c)
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unclassified")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BusinessRecord
	for rows.Next() {
		var r model.BusinessRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.ActivityCode, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const sqliteAssign = `UPDATE businesses SET main_category_id = ?, sub_category_id = NULLIF(?, ''), categories = ?, updated_at = ?
WHERE id = ? AND main_category_id IS NULL`

func (s *SQLiteStore) AssignCategory(ctx context.Context, a model.Assignment) (bool, error) {
	cats, err := json.Marshal(a.CategoryList())
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal categories")
	}
	res, err := s.db.ExecContext(ctx, sqliteAssign, a.MainCategoryID, a.SubCategoryID, string(cats), time.Now().UTC(), a.RecordID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: assign category to %s", a.RecordID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// AssignCategories applies a page of assignments in one transaction.
func (s *SQLiteStore) AssignCategories(ctx context.Context, as []model.Assignment) (int64, error) {
	if len(as) == 0 {
		return 0, nil
	}
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqliteAssign)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare assign")
		}
		defer stmt.Close() //nolint:errcheck

		now := time.Now().UTC()
		for _, a := range as {
			cats, err := json.Marshal(a.CategoryList())
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal categories")
			}
			res, err := stmt.ExecContext(ctx, a.MainCategoryID, a.SubCategoryID, string(cats), now, a.RecordID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: assign category to %s", a.RecordID)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) CountRecords(ctx context.Context, filter CountFilter) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM businesses`+countWhere(filter)).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count records")
	}
	return n, nil
}

func (s *SQLiteStore) CategoryCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT main_category_id, count(*) FROM businesses WHERE main_category_id IS NOT NULL GROUP BY main_category_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: category counts")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category count")
		}
		out[id] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate category counts")
}

func (s *SQLiteStore) UnclassifiedCodeCounts(ctx context.Context) ([]model.CodeCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT b.activity_code, count(*) AS n, COALESCE(max(c.label), '')
FROM businesses b LEFT JOIN activity_codes c ON c.code = b.activity_code
WHERE b.main_category_id IS NULL AND b.activity_code IS NOT NULL AND b.activity_code <> ''
GROUP BY b.activity_code ORDER BY n DESC, b.activity_code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: unclassified code counts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CodeCount
	for rows.Next() {
		var cc model.CodeCount
		if err := rows.Scan(&cc.Code, &cc.Count, &cc.Label); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan code count")
		}
		out = append(out, cc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate code counts")
}

// UpsertRecords inserts records or refreshes name and code of existing ones.
// An existing category assignment is never overwritten.
func (s *SQLiteStore) UpsertRecords(ctx context.Context, records []model.BusinessRecord) (int64, error) {
	records = dedupe(records, func(r model.BusinessRecord) string { return r.ID })
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO businesses (id, name, activity_code, main_category_id, sub_category_id, categories, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	activity_code = excluded.activity_code,
	sub_category_id = CASE WHEN businesses.main_category_id IS NULL THEN excluded.sub_category_id ELSE businesses.sub_category_id END,
	categories = CASE WHEN businesses.main_category_id IS NULL THEN excluded.categories ELSE businesses.categories END,
	main_category_id = COALESCE(businesses.main_category_id, excluded.main_category_id),
	updated_at = excluded.updated_at`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare upsert record")
		}
		defer stmt.Close() //nolint:errcheck

		now := time.Now().UTC()
		for _, r := range records {
			cats := r.Categories
			if cats == nil {
				cats = []string{}
			}
			catsJSON, err := json.Marshal(cats)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal categories")
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.Name, nullString(r.ActivityCode),
				nullString(r.MainCategoryID), nullString(r.SubCategoryID), string(catsJSON), now); err != nil {
				return eris.Wrapf(err, "sqlite: upsert record %s", r.ID)
			}
			total++
		}
		return nil
	})
	return total, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- Taxonomy, categories, mappings ---

func (s *SQLiteStore) UpsertCodes(ctx context.Context, codes []model.EconomicActivityCode) (int64, error) {
	codes = dedupe(codes, func(c model.EconomicActivityCode) string { return c.Code })
	return s.execEach(ctx, "upsert code", `INSERT INTO activity_codes (code, label, level, parent_code, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(code) DO UPDATE SET label = excluded.label, level = excluded.level, parent_code = excluded.parent_code, updated_at = excluded.updated_at`,
		len(codes), func(i int) []any {
			c := codes[i]
			return []any{c.Code, c.Label, int(c.Level), c.ParentCode, time.Now().UTC()}
		})
}

func (s *SQLiteStore) ListCodes(ctx context.Context) ([]model.EconomicActivityCode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, label, level, parent_code FROM activity_codes ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list codes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EconomicActivityCode
	for rows.Next() {
		var c model.EconomicActivityCode
		var level int
		if err := rows.Scan(&c.Code, &c.Label, &level, &c.ParentCode); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan code")
		}
		c.Level = model.CodeLevel(level)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate codes")
}

func (s *SQLiteStore) UpsertCategories(ctx context.Context, cats []model.Category) (int64, error) {
	cats = dedupe(cats, func(c model.Category) string { return c.ID })
	return s.execEach(ctx, "upsert category", `INSERT INTO categories (id, name, slug, parent_id) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, slug = excluded.slug, parent_id = excluded.parent_id`,
		len(cats), func(i int) []any {
			c := cats[i]
			return []any{c.ID, c.Name, c.Slug, c.ParentID}
		})
}

func (s *SQLiteStore) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, slug, parent_id FROM categories ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list categories")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate categories")
}

func (s *SQLiteStore) UpsertMappings(ctx context.Context, ms []model.CategoryMapping) (int64, error) {
	ms = dedupe(ms, model.CategoryMapping.Key)
	return s.execEach(ctx, "upsert mapping", `INSERT INTO category_mappings (code, main_category_id, sub_category_id, confidence, source, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(code, main_category_id, sub_category_id) DO UPDATE SET confidence = excluded.confidence, source = excluded.source, updated_at = excluded.updated_at`,
		len(ms), func(i int) []any {
			m := ms[i]
			return []any{m.Code, m.MainCategoryID, m.SubCategoryID, m.Confidence, string(sourceOrManual(m.Source)), time.Now().UTC()}
		})
}

func (s *SQLiteStore) ListMappings(ctx context.Context) ([]model.CategoryMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, main_category_id, sub_category_id, confidence, source FROM category_mappings ORDER BY code, main_category_id, sub_category_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mappings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CategoryMapping
	for rows.Next() {
		var m model.CategoryMapping
		var src string
		if err := rows.Scan(&m.Code, &m.MainCategoryID, &m.SubCategoryID, &m.Confidence, &src); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		m.Source = model.MappingSource(src)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate mappings")
}

// execEach runs query once per item inside a single transaction.
func (s *SQLiteStore) execEach(ctx context.Context, op, query string, n int, args func(i int) []any) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return eris.Wrapf(err, "sqlite: prepare %s", op)
		}
		defer stmt.Close() //nolint:errcheck
		for i := 0; i < n; i++ {
			res, err := stmt.ExecContext(ctx, args(i)...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: %s", op)
			}
			affected, _ := res.RowsAffected()
			total += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// --- Run log ---

func (s *SQLiteStore) StartRun(ctx context.Context, scope string, options []byte) (*model.RunEntry, error) {
	entry := &model.RunEntry{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Scope:     scope,
		StartedAt: time.Now().UTC(),
		Options:   options,
	}
	var opts sql.NullString
	if options != nil {
		opts = sql.NullString{String: string(options), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_runs (id, status, scope, options, started_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Status), entry.Scope, opts, entry.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: start run")
	}
	return entry, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, report *model.RunReport) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, report)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id string, report *model.RunReport) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, report)
}

func (s *SQLiteStore) finishRun(ctx context.Context, id string, status model.RunStatus, report *model.RunReport) error {
	r := reportOrEmpty(report)
	res, err := s.db.ExecContext(ctx,
		`UPDATE classification_runs SET status = ?, completed_at = ?, processed = ?, updated = ?, skipped = ?, errored = ?, error = ? WHERE id = ?`,
		string(status), time.Now().UTC(), r.Processed, r.Updated, r.Skipped, r.Errored, r.Error, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, scope, options, started_at, completed_at, processed, updated, skipped, errored, error
FROM classification_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunEntry
	for rows.Next() {
		var e model.RunEntry
		var status string
		var opts sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &status, &e.Scope, &opts, &e.StartedAt, &completed,
			&e.Processed, &e.Updated, &e.Skipped, &e.Errored, &e.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		e.Status = model.RunStatus(status)
		if opts.Valid {
			e.Options = []byte(opts.String)
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// --- Retry queue ---

func (s *SQLiteStore) EnqueueFailures(ctx context.Context, keys []model.FailedKey) error {
	keys = dedupe(keys, func(k model.FailedKey) string { return k.Code })
	_, err := s.execEach(ctx, "enqueue failure", `INSERT INTO retry_queue (code, run_id, attempts, last_error, error_type, first_failed_at, last_failed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(code) DO UPDATE SET run_id = excluded.run_id, attempts = retry_queue.attempts + 1,
	last_error = excluded.last_error, error_type = excluded.error_type, last_failed_at = excluded.last_failed_at`,
		len(keys), func(i int) []any {
			k := keys[i]
			attempts := k.Attempts
			if attempts <= 0 {
				attempts = 1
			}
			return []any{k.Code, k.RunID, attempts, k.LastError, k.ErrorType, k.FirstFailed.UTC(), k.LastFailedAt.UTC()}
		})
	return err
}

func (s *SQLiteStore) ListFailures(ctx context.Context) ([]model.FailedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, run_id, attempts, last_error, error_type, first_failed_at, last_failed_at FROM retry_queue ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailedKey
	for rows.Next() {
		var k model.FailedKey
		if err := rows.Scan(&k.Code, &k.RunID, &k.Attempts, &k.LastError, &k.ErrorType, &k.FirstFailed, &k.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate failures")
}

func (s *SQLiteStore) ResolveFailures(ctx context.Context, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE code IN (`+placeholders(len(codes))+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: resolve failures")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)

package main

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir-cli/internal/classify"
	"github.com/sells-group/bizdir-cli/internal/fetcher"
	"github.com/sells-group/bizdir-cli/internal/mapping"
	"github.com/sells-group/bizdir-cli/internal/store"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "bizdir.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the config for mode, connects, and applies migrations.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newEngine loads persisted mappings, adds inherited candidates, and applies
// the configured threshold and exclusions.
func newEngine(ctx context.Context, st store.Store) (*classify.Engine, *mapping.Table, error) {
	tbl, err := mapping.LoadResolved(ctx, st, cfg.Mapping.InheritDecay)
	if err != nil {
		return nil, nil, err
	}
	engine := classify.NewEngine(tbl, classify.EngineOptions{
		MinConfidence: cfg.Classify.MinConfidence,
		ExcludedCodes: cfg.Classify.ExcludedCodes,
		CodeWidth:     cfg.Taxonomy.CodeWidth,
	})
	return engine, tbl, nil
}

func newOpener() *fetcher.Opener {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	return fetcher.NewOpener(fetcher.Options{
		HTTP: fetcher.HTTPOptions{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   timeout,
			RateLimit: cfg.Fetch.RateLimit,
		},
		FTP: fetcher.FTPOptions{Timeout: timeout},
	})
}

// streamOptions maps the taxonomy source settings onto the row parsers.
func streamOptions(hasHeader bool) fetcher.StreamOptions {
	delim := ','
	if r, _ := utf8.DecodeRuneInString(cfg.Taxonomy.Delimiter); r != utf8.RuneError {
		delim = r
	}
	skip := 0
	if hasHeader {
		skip = 1
	}
	return fetcher.StreamOptions{
		CSV: fetcher.CSVOptions{
			Delimiter:  delim,
			HasHeader:  hasHeader,
			Charset:    cfg.Taxonomy.Charset,
			LazyQuotes: true,
			TrimSpace:  true,
		},
		XLSX: fetcher.XLSXOptions{
			SheetName: cfg.Taxonomy.SheetName,
			SkipRows:  skip,
		},
	}
}

func taxonomyOptions() taxonomy.Options {
	return taxonomy.Options{
		TypeFilter: cfg.Taxonomy.TypeFilter,
		CodeWidth:  cfg.Taxonomy.CodeWidth,
	}
}

package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/resilience"
	"github.com/sells-group/bizdir-cli/internal/store"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

// WriteMode selects how a page of assignments is written.
type WriteMode string

const (
	// WriteBatch issues one conditional bulk update per page.
	WriteBatch WriteMode = "batch"
	// WriteRecord issues one conditional update per record through a bounded worker pool.
	WriteRecord WriteMode = "record"
)

const (
	defaultPageSize    = 1000
	defaultConcurrency = 20
)

// Progress is passed to Options.OnProgress after each page.
type Progress struct {
	Page      int
	Processed int64
	Updated   int64
	Skipped   int64
	Errored   int64
}

// Options configures one batch run.
type Options struct {
	PageSize    int           `json:"page_size"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Codes       []string      `json:"codes,omitempty"`
	WriteMode   WriteMode     `json:"write_mode"`
	Concurrency int           `json:"concurrency"`
	BatchDelay  time.Duration `json:"batch_delay"`
	PageTimeout time.Duration `json:"page_timeout"`
	Limit       int           `json:"limit,omitempty"`
	DryRun      bool          `json:"dry_run,omitempty"`
	Scope       string        `json:"scope,omitempty"`

	OnProgress func(Progress) `json:"-"`
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.WriteMode == "" {
		o.WriteMode = WriteBatch
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Scope == "" {
		o.Scope = "all"
		if len(o.Codes) > 0 {
			o.Scope = fmt.Sprintf("codes(%d)", len(o.Codes))
		}
	}
	return o
}

// Runner pages through unclassified records and writes their categories.
type Runner struct {
	store  store.Store
	engine *Engine
	state  atomic.Int32
	now    func() time.Time
}

// NewRunner creates a Runner. The store is used for the lifetime of the runner only.
func NewRunner(st store.Store, engine *Engine) *Runner {
	return &Runner{store: st, engine: engine, now: time.Now}
}

// State returns the current state of the run.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) transition(to State) {
	from := r.State()
	if !from.CanTransition(to) {
		panic(fmt.Sprintf("classify: illegal state transition %s -> %s", from, to))
	}
	r.state.Store(int32(to))
}

// Run classifies every unclassified record with a code, page by page. Page
// write failures are counted and queued for retry; a page that cannot be
// fetched ends the run with Aborted set. The returned error is non-nil only
// when the run could not be started.
func (r *Runner) Run(ctx context.Context, opts Options) (*model.RunReport, error) {
	opts = opts.withDefaults()
	r.state.Store(int32(StateIdle))

	report := &model.RunReport{StartedAt: r.now().UTC(), DryRun: opts.DryRun}
	log := zap.L().With(zap.String("scope", opts.Scope), zap.String("mode", string(opts.WriteMode)))

	if !opts.DryRun {
		optsJSON, err := json.Marshal(opts)
		if err != nil {
			return nil, eris.Wrap(err, "classify: encode options")
		}
		entry, err := r.store.StartRun(ctx, opts.Scope, optsJSON)
		if err != nil {
			return nil, eris.Wrap(err, "classify: start run")
		}
		report.RunID = entry.ID
		log = log.With(zap.String("run_id", entry.ID))
	}

	log.Info("classification run starting",
		zap.Int("page_size", opts.PageSize),
		zap.Int("max_retries", opts.MaxRetries),
		zap.Int("limit", opts.Limit),
		zap.Bool("dry_run", opts.DryRun),
	)

	failed := resilience.NewFailedKeys()
	r.loop(ctx, opts, report, failed, log)
	r.transition(StateDone)

	report.FailedCodes = failed.Codes()
	report.FinishedAt = r.now().UTC()
	r.finish(ctx, report, failed, log)

	log.Info("classification run finished",
		zap.Int("pages", report.Pages),
		zap.Int64("processed", report.Processed),
		zap.Int64("updated", report.Updated),
		zap.Int64("skipped", report.Skipped),
		zap.Int64("errored", report.Errored),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("duration", report.Duration()),
	)
	return report, nil
}

func (r *Runner) loop(ctx context.Context, opts Options, report *model.RunReport, failed *resilience.FailedKeys, log *zap.Logger) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.BatchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.BatchDelay), 1)
	}

	var codes []string
	for _, c := range opts.Codes {
		codes = append(codes, taxonomy.StoredForms(c)...)
	}

	cursor := ""
	for {
		r.transition(StateFetching)

		if err := limiter.Wait(ctx); err != nil {
			abort(report, eris.Wrap(err, "classify: wait for next page"))
			return
		}

		size := opts.PageSize
		if opts.Limit > 0 {
			remaining := int64(opts.Limit) - report.Processed
			if remaining <= 0 {
				return
			}
			if remaining < int64(size) {
				size = int(remaining)
			}
		}

		filter := store.RecordFilter{AfterID: cursor, Codes: codes, Limit: size}
		recs, err := resilience.DoVal(ctx, r.retryConfig(opts, "fetch page"), func(ctx context.Context) ([]model.BusinessRecord, error) {
			pctx, cancel := pageContext(ctx, opts.PageTimeout)
			defer cancel()
			return r.store.ListUnclassified(pctx, filter)
		})
		if err != nil {
			log.Error("page fetch failed, ending run", zap.String("after_id", cursor), zap.Error(err))
			abort(report, eris.Wrapf(err, "classify: fetch page after %q", cursor))
			return
		}
		if len(recs) == 0 {
			return
		}

		r.transition(StateProcessing)
		report.Pages++
		report.Processed += int64(len(recs))
		cursor = recs[len(recs)-1].ID

		assignments := make([]model.Assignment, 0, len(recs))
		for _, rec := range recs {
			d := r.engine.Decide(rec)
			if !d.OK() {
				report.AddSkip(d.Reason, 1)
				continue
			}
			assignments = append(assignments, d.Assignment)
		}

		r.transition(StateWriting)
		r.writePage(ctx, opts, report, failed, assignments, log)

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Page:      report.Pages,
				Processed: report.Processed,
				Updated:   report.Updated,
				Skipped:   report.Skipped,
				Errored:   report.Errored,
			})
		}

		if len(recs) < size {
			return
		}
	}
}

func abort(report *model.RunReport, err error) {
	report.Aborted = true
	report.Error = err.Error()
}

func (r *Runner) writePage(ctx context.Context, opts Options, report *model.RunReport, failed *resilience.FailedKeys, as []model.Assignment, log *zap.Logger) {
	if len(as) == 0 {
		return
	}
	if opts.DryRun {
		report.Updated += int64(len(as))
		return
	}

	var updated, errored int64
	switch opts.WriteMode {
	case WriteRecord:
		updated, errored = r.writeRecords(ctx, opts, failed, as, log)
	default:
		updated, errored = r.writeBatch(ctx, opts, failed, as, log)
	}
	report.Updated += updated
	report.Errored += errored
	report.AddSkip(model.SkipLostRace, int64(len(as))-updated-errored)
}

func (r *Runner) writeBatch(ctx context.Context, opts Options, failed *resilience.FailedKeys, as []model.Assignment, log *zap.Logger) (int64, int64) {
	n, err := resilience.DoVal(ctx, r.retryConfig(opts, "write page"), func(ctx context.Context) (int64, error) {
		pctx, cancel := pageContext(ctx, opts.PageTimeout)
		defer cancel()
		return r.store.AssignCategories(pctx, as)
	})
	if err != nil {
		codes := assignmentCodes(as)
		failed.Add(err, codes...)
		log.Error("page write failed",
			zap.Int("records", len(as)),
			zap.Strings("codes", codes),
			zap.Error(err),
		)
		return 0, int64(len(as))
	}
	return n, 0
}

func (r *Runner) writeRecords(ctx context.Context, opts Options, failed *resilience.FailedKeys, as []model.Assignment, log *zap.Logger) (int64, int64) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	var updated, errored atomic.Int64
	for _, a := range as {
		g.Go(func() error {
			ok, err := resilience.DoVal(gctx, r.retryConfig(opts, "write record"), func(ctx context.Context) (bool, error) {
				pctx, cancel := pageContext(ctx, opts.PageTimeout)
				defer cancel()
				return r.store.AssignCategory(pctx, a)
			})
			if err != nil {
				errored.Add(1)
				failed.Add(err, a.Code)
				log.Warn("record write failed",
					zap.String("record_id", a.RecordID),
					zap.String("code", a.Code),
					zap.Error(err),
				)
				return nil // keep the rest of the page going
			}
			if ok {
				updated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return updated.Load(), errored.Load()
}

// finish persists the retry queue and closes the run log entry. It runs even
// when ctx is cancelled so an interrupted run is still recorded.
func (r *Runner) finish(ctx context.Context, report *model.RunReport, failed *resilience.FailedKeys, log *zap.Logger) {
	if report.DryRun || report.RunID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if failed.Len() > 0 {
		if err := r.store.EnqueueFailures(ctx, failed.Entries(report.RunID, report.FinishedAt)); err != nil {
			log.Error("failed to persist retry queue", zap.Strings("codes", report.FailedCodes), zap.Error(err))
		}
	}

	var err error
	if report.Aborted {
		err = r.store.FailRun(ctx, report.RunID, report)
	} else {
		err = r.store.CompleteRun(ctx, report.RunID, report)
	}
	if err != nil {
		log.Warn("failed to close run log entry", zap.Error(err))
	}
}

// RetryFailed re-runs classification scoped to the codes on the retry queue
// and removes the codes that no longer fail. opts.PageSize should be the
// smaller retry page size.
func (r *Runner) RetryFailed(ctx context.Context, opts Options) (*model.RunReport, error) {
	keys, err := r.store.ListFailures(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "classify: list failures")
	}
	if len(keys) == 0 {
		now := r.now().UTC()
		return &model.RunReport{StartedAt: now, FinishedAt: now, DryRun: opts.DryRun}, nil
	}

	codes := make([]string, len(keys))
	for i, k := range keys {
		codes[i] = k.Code
	}
	opts.Codes = codes
	opts.Scope = fmt.Sprintf("retry(%d)", len(codes))

	report, err := r.Run(ctx, opts)
	if err != nil {
		return nil, err
	}
	if report.Aborted || report.DryRun {
		return report, nil
	}

	stillFailing := make(map[string]bool, len(report.FailedCodes))
	for _, c := range report.FailedCodes {
		stillFailing[c] = true
	}
	var resolved []string
	for _, c := range codes {
		if !stillFailing[c] {
			resolved = append(resolved, c)
		}
	}
	n, err := r.store.ResolveFailures(ctx, resolved)
	if err != nil {
		return report, eris.Wrap(err, "classify: resolve failures")
	}
	zap.L().Info("retry queue updated",
		zap.Int64("resolved", n),
		zap.Int("still_failing", len(report.FailedCodes)),
	)
	return report, nil
}

// retryConfig retries every error except cancellation of the run itself.
// A per-page timeout is a DeadlineExceeded and is retried.
func (r *Runner) retryConfig(opts Options, operation string) resilience.RetryConfig {
	cfg := resilience.FixedRetryConfig(opts.MaxRetries, opts.RetryDelay)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, context.Canceled) }
	cfg.OnRetry = resilience.RetryLogger("classify", operation)
	return cfg
}

func pageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func assignmentCodes(as []model.Assignment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range as {
		if !seen[a.Code] {
			seen[a.Code] = true
			out = append(out, a.Code)
		}
	}
	return out
}

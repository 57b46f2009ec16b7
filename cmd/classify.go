package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/sells-group/bizdir-cli/internal/classify"
	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/store"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

var (
	classifyPageSize    int
	classifyMaxRetries  int
	classifyCodes       string
	classifyMode        string
	classifyConcurrency int
	classifyDelay       time.Duration
	classifyTimeout     time.Duration
	classifyLimit       int
	classifyDryRun      bool
	classifyNoProgress  bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Assign categories to unclassified records with an activity code",
	Long: `Pages through records that have an activity code but no main category and
assigns the highest-confidence mapping above the configured threshold. Each
write only touches records that are still unclassified, so an interrupted run
can simply be started again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext(cmd.Context())
		defer stop()

		st, err := openStore(ctx, "classify")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, _, err := newEngine(ctx, st)
		if err != nil {
			return eris.Wrap(err, "classify")
		}

		opts := classifyOptions(cmd)
		var bar *progressbar.ProgressBar
		if len(opts.Codes) == 0 && !classifyNoProgress {
			total, err := st.CountRecords(ctx, store.CountFilter{WithCode: true, Classified: store.Unclassified})
			if err != nil {
				return eris.Wrap(err, "classify: count pending")
			}
			if opts.Limit > 0 && int64(opts.Limit) < total {
				total = int64(opts.Limit)
			}
			bar = newProgressBar(total, "Classifying")
			opts.OnProgress = func(p classify.Progress) { _ = bar.Set64(p.Processed) }
		}

		report, err := classify.NewRunner(st, engine).Run(ctx, opts)
		if err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Finish()
			_, _ = fmt.Fprintln(os.Stderr)
		}
		formatRunReport(os.Stdout, report)

		if report.Aborted {
			return eris.Errorf("classify: run aborted: %s", report.Error)
		}
		return nil
	},
}

func init() {
	f := classifyCmd.Flags()
	f.IntVar(&classifyPageSize, "page-size", 0, "records per page (default from config)")
	f.IntVar(&classifyMaxRetries, "max-retries", -1, "retries per page operation (default from config)")
	f.StringVar(&classifyCodes, "codes", "", "comma-separated activity codes to restrict the run to")
	f.StringVar(&classifyMode, "mode", "", "write mode: batch or record (default from config)")
	f.IntVar(&classifyConcurrency, "concurrency", 0, "record-mode workers (default from config)")
	f.DurationVar(&classifyDelay, "delay", -1, "pause between pages (default from config)")
	f.DurationVar(&classifyTimeout, "timeout", 0, "per-call store timeout (default from config)")
	f.IntVar(&classifyLimit, "limit", 0, "stop after this many records (0 = no limit)")
	f.BoolVar(&classifyDryRun, "dry-run", false, "decide without writing")
	f.BoolVar(&classifyNoProgress, "no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(classifyCmd)
}

// classifyOptions merges command flags over the loaded config.
func classifyOptions(cmd *cobra.Command) classify.Options {
	opts := classify.Options{
		PageSize:    cfg.Classify.PageSize,
		MaxRetries:  cfg.Retry.MaxRetries,
		RetryDelay:  time.Duration(cfg.Retry.DelayMs) * time.Millisecond,
		WriteMode:   classify.WriteMode(cfg.Classify.WriteMode),
		Concurrency: cfg.Classify.Concurrency,
		BatchDelay:  cfg.Classify.BatchDelay(),
		PageTimeout: cfg.Classify.PageTimeout(),
		Limit:       classifyLimit,
		DryRun:      classifyDryRun,
		Codes:       parseCodes(classifyCodes, cfg.Taxonomy.CodeWidth),
	}
	if classifyPageSize > 0 {
		opts.PageSize = classifyPageSize
	}
	if classifyMaxRetries >= 0 {
		opts.MaxRetries = classifyMaxRetries
	}
	if classifyMode != "" {
		opts.WriteMode = classify.WriteMode(classifyMode)
	}
	if classifyConcurrency > 0 {
		opts.Concurrency = classifyConcurrency
	}
	if cmd.Flags().Changed("delay") && classifyDelay >= 0 {
		opts.BatchDelay = classifyDelay
	}
	if classifyTimeout > 0 {
		opts.PageTimeout = classifyTimeout
	}
	return opts
}

// parseCodes splits a comma-separated list into unique, normalized codes.
func parseCodes(s string, width int) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(s, ",") {
		code := taxonomy.NormalizeCode(part, width)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}

func newProgressBar(total int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// formatRunReport writes a run summary to w.
func formatRunReport(out io.Writer, r *model.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	runID := r.RunID
	if runID == "" {
		runID = "-"
	}
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", runID)
	if r.DryRun {
		_, _ = fmt.Fprintf(w, "Mode:\tdry run\n")
	}
	_, _ = fmt.Fprintf(w, "Pages:\t%d\n", r.Pages)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", r.Processed)
	_, _ = fmt.Fprintf(w, "Updated:\t%d\n", r.Updated)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", r.Skipped)

	reasons := make([]string, 0, len(r.SkipReasons))
	for reason := range r.SkipReasons {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", reason, r.SkipReasons[model.SkipReason(reason)])
	}

	_, _ = fmt.Fprintf(w, "Errored:\t%d\n", r.Errored)
	if len(r.FailedCodes) > 0 {
		_, _ = fmt.Fprintf(w, "Queued for retry:\t%s\n", strings.Join(r.FailedCodes, ", "))
	}
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.Duration().Round(time.Millisecond))
	if r.Aborted {
		_, _ = fmt.Fprintf(w, "Aborted:\t%s\n", r.Error)
	}
	_ = w.Flush()
}

// runContext is shared by commands that run until interrupted.
func runContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

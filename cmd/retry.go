package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bizdir-cli/internal/classify"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run classification for activity codes on the retry queue",
	Long:  "Runs a classification pass restricted to queued codes with the smaller retry page size. Codes whose records now write cleanly leave the queue.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := runContext(cmd.Context())
		defer stop()

		st, err := openStore(ctx, "classify")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, _, err := newEngine(ctx, st)
		if err != nil {
			return eris.Wrap(err, "retry")
		}

		opts := classifyOptions(cmd)
		opts.PageSize = cfg.Classify.RetryPageSize
		if classifyPageSize > 0 {
			opts.PageSize = classifyPageSize
		}
		opts.Codes = nil

		report, err := classify.NewRunner(st, engine).RetryFailed(ctx, opts)
		if err != nil {
			return err
		}
		formatRunReport(os.Stdout, report)
		if report.Aborted {
			return eris.Errorf("retry: run aborted: %s", report.Error)
		}
		return nil
	},
}

func init() {
	f := retryCmd.Flags()
	f.IntVar(&classifyPageSize, "page-size", 0, "records per page (default classify.retry_page_size)")
	f.IntVar(&classifyMaxRetries, "max-retries", -1, "retries per page operation (default from config)")
	f.StringVar(&classifyMode, "mode", "", "write mode: batch or record (default from config)")
	f.DurationVar(&classifyDelay, "delay", -1, "pause between pages (default from config)")
	f.BoolVar(&classifyDryRun, "dry-run", false, "decide without writing or resolving")
	rootCmd.AddCommand(retryCmd)
}

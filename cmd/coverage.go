package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bizdir-cli/internal/coverage"
	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Report category coverage and the codes that still need a mapping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		top, _ := cmd.Flags().GetInt("top")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx, "report")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, _, err := newEngine(ctx, st)
		if err != nil {
			return eris.Wrap(err, "coverage")
		}
		rep, err := coverage.NewReporter(st, engine, top).Report(ctx)
		if err != nil {
			return err
		}

		codes, err := st.ListCodes(ctx)
		if err != nil {
			return eris.Wrap(err, "coverage: list codes")
		}
		labelCodes(rep, taxonomy.NewTable(codes))

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		formatCoverage(os.Stdout, rep)
		return nil
	},
}

func init() {
	coverageCmd.Flags().Int("top", 20, "number of unmapped codes to list (0 = all)")
	coverageCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(coverageCmd)
}

// labelCodes fills missing labels from the taxonomy.
func labelCodes(rep *model.CoverageReport, tax *taxonomy.Table) {
	for _, ccs := range [][]model.CodeCount{rep.UnmappedCodes, rep.PendingCodes} {
		for i := range ccs {
			if ccs[i].Label == "" {
				ccs[i].Label = tax.Label(ccs[i].Code)
			}
		}
	}
}

// formatCoverage writes a coverage report to w.
func formatCoverage(out io.Writer, rep *model.CoverageReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", rep.Total)
	_, _ = fmt.Fprintf(w, "With activity code:\t%d\n", rep.WithCode)
	_, _ = fmt.Fprintf(w, "With category:\t%d\n", rep.WithCategory)
	_, _ = fmt.Fprintf(w, "Coverage:\t%.1f%%\n", rep.CoveragePct)
	_, _ = fmt.Fprintf(w, "Unmapped records:\t%d\n", rep.UnmappedRecords)
	_, _ = fmt.Fprintf(w, "Pending records:\t%d\n", rep.PendingRecords)
	_ = w.Flush()

	if len(rep.ByCategory) > 0 {
		ids := make([]string, 0, len(rep.ByCategory))
		for id := range rep.ByCategory {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if rep.ByCategory[ids[i]] != rep.ByCategory[ids[j]] {
				return rep.ByCategory[ids[i]] > rep.ByCategory[ids[j]]
			}
			return ids[i] < ids[j]
		})
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CATEGORY\tRECORDS")
		_, _ = fmt.Fprintln(w, "--------\t-------")
		for _, id := range ids {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", id, rep.ByCategory[id])
		}
		_ = w.Flush()
	}

	if len(rep.UnmappedCodes) > 0 {
		_, _ = fmt.Fprintln(out)
		formatCodeCounts(out, "UNMAPPED CODE", rep.UnmappedCodes)
	}
	if len(rep.PendingCodes) > 0 {
		_, _ = fmt.Fprintln(out)
		formatCodeCounts(out, "PENDING CODE", rep.PendingCodes)
	}
}

func formatCodeCounts(out io.Writer, header string, ccs []model.CodeCount) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s\tRECORDS\tLABEL\n", header)
	_, _ = fmt.Fprintln(w, "----\t-------\t-----")
	for _, cc := range ccs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", cc.Code, cc.Count, cc.Label)
	}
	_ = w.Flush()
}

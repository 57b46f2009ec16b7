package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Load and inspect the economic-activity code table",
}

var taxonomyImportCmd = &cobra.Command{
	Use:   "import <source>",
	Short: "Import economic-activity codes from a CSV or XLSX file, URL, or FTP path",
	Long:  "Reads (type, code, label) rows, keeps the economic-activity rows, derives each code's level and parent, drops orphans, and upserts the result.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noHeader, _ := cmd.Flags().GetBool("no-header")

		rowCh, errCh, err := newOpener().Stream(ctx, args[0], streamOptions(cfg.Taxonomy.HasHeader && !noHeader))
		if err != nil {
			return eris.Wrap(err, "taxonomy import")
		}
		tbl, stats, err := taxonomy.Load(ctx, rowCh, errCh, taxonomyOptions())
		if err != nil {
			return eris.Wrap(err, "taxonomy import")
		}
		formatLoadStats(os.Stdout, stats, tbl.CountByLevel())

		if dryRun {
			return nil
		}

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertCodes(ctx, tbl.Entries())
		if err != nil {
			return eris.Wrap(err, "taxonomy import")
		}
		zap.L().Info("taxonomy import complete", zap.String("source", args[0]), zap.Int64("upserted", n))
		return nil
	},
}

var taxonomyShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show a code with its ancestors, children, and mapping candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "report")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		codes, err := st.ListCodes(ctx)
		if err != nil {
			return eris.Wrap(err, "taxonomy show")
		}
		tax := taxonomy.NewTable(codes)
		code := taxonomy.NormalizeCode(args[0], cfg.Taxonomy.CodeWidth)
		entry, ok := tax.Get(code)
		if !ok {
			return eris.Errorf("taxonomy show: unknown code %s", code)
		}

		_, tbl, err := newEngine(ctx, st)
		if err != nil {
			return eris.Wrap(err, "taxonomy show")
		}

		formatCodeDetail(os.Stdout, entry, tax.Ancestors(code), tax.Children(code), tbl.Candidates(code))
		return nil
	},
}

func init() {
	taxonomyImportCmd.Flags().Bool("dry-run", false, "parse and report without writing")
	taxonomyImportCmd.Flags().Bool("no-header", false, "treat the first row as data")

	taxonomyCmd.AddCommand(taxonomyImportCmd)
	taxonomyCmd.AddCommand(taxonomyShowCmd)
	rootCmd.AddCommand(taxonomyCmd)
}

// formatLoadStats writes a taxonomy load summary to w.
func formatLoadStats(out io.Writer, s taxonomy.Stats, byLevel map[model.CodeLevel]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Rows read:\t%d\n", s.Rows)
	_, _ = fmt.Fprintf(w, "Codes accepted:\t%d\n", s.Accepted)
	for _, l := range []model.CodeLevel{model.LevelMajor, model.LevelIntermediate, model.LevelSpecific} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", l, byLevel[l])
	}
	_, _ = fmt.Fprintf(w, "Other row types:\t%d\n", s.OtherType)
	_, _ = fmt.Fprintf(w, "Invalid codes:\t%d\n", s.Invalid+s.Malformed)
	_, _ = fmt.Fprintf(w, "Duplicates:\t%d\n", s.Duplicates)
	_, _ = fmt.Fprintf(w, "Orphans dropped:\t%d\n", s.Orphans)
	_ = w.Flush()
}

// formatCodeDetail writes one taxonomy entry and its mapping candidates to w.
func formatCodeDetail(out io.Writer, c model.EconomicActivityCode, ancestors []model.EconomicActivityCode, children []string, cands []model.CategoryMapping) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Code:\t%s\n", c.Code)
	_, _ = fmt.Fprintf(w, "Label:\t%s\n", c.Label)
	_, _ = fmt.Fprintf(w, "Level:\t%s\n", c.Level)
	for _, a := range ancestors {
		_, _ = fmt.Fprintf(w, "Ancestor:\t%s %s\n", a.Code, a.Label)
	}
	_, _ = fmt.Fprintf(w, "Children:\t%d\n", len(children))
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	formatCandidates(out, cands)
}

// formatCandidates writes mapping candidates in selection order.
func formatCandidates(out io.Writer, cands []model.CategoryMapping) {
	if len(cands) == 0 {
		_, _ = fmt.Fprintln(out, "No mapping candidates.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MAIN\tSUB\tCONFIDENCE\tSOURCE")
	_, _ = fmt.Fprintln(w, "----\t---\t----------\t------")
	for _, m := range cands {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", m.MainCategoryID, m.SubCategoryID, m.Confidence, m.Source)
	}
	_ = w.Flush()
}

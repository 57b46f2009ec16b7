package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/fetcher"
	"github.com/sells-group/bizdir-cli/internal/mapping"
	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Manage code-to-category mappings",
}

var mappingsImportCmd = &cobra.Command{
	Use:   "import <source>",
	Short: "Import mappings from YAML, CSV, or XLSX",
	Long: `Reads mappings and merges them into the stored table. YAML files carry a
top-level "mappings" list; CSV and XLSX rows are code, main_category_id,
sub_category_id, confidence. Mappings that name unknown categories or a sub
category outside its main category are rejected and reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		noHeader, _ := cmd.Flags().GetBool("no-header")
		strict, _ := cmd.Flags().GetBool("strict")

		ms, err := readMappings(ctx, args[0], !noHeader)
		if err != nil {
			return eris.Wrap(err, "mappings import")
		}
		for i := range ms {
			ms[i].Code = taxonomy.NormalizeCode(ms[i].Code, cfg.Taxonomy.CodeWidth)
		}

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cats, err := st.ListCategories(ctx)
		if err != nil {
			return eris.Wrap(err, "mappings import")
		}
		var catalog *mapping.Catalog
		if len(cats) > 0 {
			catalog = mapping.NewCatalog(cats)
		} else {
			zap.L().Warn("no categories loaded; mappings are not checked against the catalog")
		}

		tbl := mapping.NewTable()
		stats := tbl.Merge(ms, catalog)
		for _, rerr := range stats.Rejected {
			zap.L().Warn("mapping rejected", zap.Error(rerr))
		}
		if strict && len(stats.Rejected) > 0 {
			return eris.Errorf("mappings import: %d mappings rejected", len(stats.Rejected))
		}

		n, err := st.UpsertMappings(ctx, tbl.All())
		if err != nil {
			return eris.Wrap(err, "mappings import")
		}
		zap.L().Info("mappings imported",
			zap.String("source", args[0]),
			zap.Int("read", len(ms)),
			zap.Int("rejected", len(stats.Rejected)),
			zap.Int64("upserted", n),
		)
		return nil
	},
}

var mappingsShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show the mapping candidates for a code, including inherited ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "report")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, tbl, err := newEngine(ctx, st)
		if err != nil {
			return eris.Wrap(err, "mappings show")
		}
		code := taxonomy.NormalizeCode(args[0], cfg.Taxonomy.CodeWidth)
		formatCandidates(os.Stdout, tbl.Candidates(code))

		d := engine.Decide(model.BusinessRecord{ID: "-", ActivityCode: code})
		if d.OK() {
			cmd.Printf("\nSelected: %s %s (%.2f)\n", d.Assignment.MainCategoryID, d.Assignment.SubCategoryID, d.Assignment.Confidence)
		} else {
			cmd.Printf("\nNot classified: %s\n", d.Reason)
		}
		return nil
	},
}

func init() {
	mappingsImportCmd.Flags().Bool("no-header", false, "treat the first CSV/XLSX row as data")
	mappingsImportCmd.Flags().Bool("strict", false, "fail when any mapping is rejected")

	mappingsCmd.AddCommand(mappingsImportCmd)
	mappingsCmd.AddCommand(mappingsShowCmd)
	rootCmd.AddCommand(mappingsCmd)
}

// readMappings decodes a mapping source by format.
func readMappings(ctx context.Context, src string, hasHeader bool) ([]model.CategoryMapping, error) {
	opener := newOpener()
	if fetcher.DetectFormat(src) == fetcher.FormatYAML {
		rc, err := opener.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		return mapping.DecodeYAML(rc)
	}

	rowCh, errCh, err := opener.Stream(ctx, src, streamOptions(hasHeader))
	if err != nil {
		return nil, err
	}
	var ms []model.CategoryMapping
	for fields := range rowCh {
		m, err := mapping.FromRecord(fields)
		if err != nil {
			zap.L().Warn("skipping mapping row", zap.Strings("fields", fields), zap.Error(err))
			continue
		}
		ms = append(ms, m)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return ms, nil
}

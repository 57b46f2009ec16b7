package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/mapping"
	"github.com/sells-group/bizdir-cli/internal/model"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "Manage the application category catalog",
}

var categoriesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a nested main/sub category catalog from YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rc, err := newOpener().Open(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "categories import")
		}
		defer rc.Close() //nolint:errcheck

		cats, err := mapping.DecodeCategoriesYAML(rc)
		if err != nil {
			return eris.Wrap(err, "categories import")
		}

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertCategories(ctx, cats)
		if err != nil {
			return eris.Wrap(err, "categories import")
		}
		zap.L().Info("categories imported", zap.String("source", args[0]), zap.Int64("upserted", n))
		return nil
	},
}

var categoriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "report")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cats, err := st.ListCategories(ctx)
		if err != nil {
			return eris.Wrap(err, "categories list")
		}
		formatCategories(os.Stdout, cats)
		return nil
	},
}

func init() {
	categoriesCmd.AddCommand(categoriesImportCmd)
	categoriesCmd.AddCommand(categoriesListCmd)
	rootCmd.AddCommand(categoriesCmd)
}

func formatCategories(out io.Writer, cats []model.Category) {
	if len(cats) == 0 {
		_, _ = fmt.Fprintln(out, "No categories found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPARENT")
	_, _ = fmt.Fprintln(w, "--\t----\t------")
	for _, c := range cats {
		parent := c.ParentID
		if parent == "" {
			parent = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Name, parent)
	}
	_ = w.Flush()
}

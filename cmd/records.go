package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/store"
)

const recordChunkSize = 1000

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Load business records",
}

var recordsImportCmd = &cobra.Command{
	Use:   "import <source>",
	Short: "Import business records (id, name, activity_code) from CSV or XLSX",
	Long:  "Upserts records by id. Existing category assignments are never overwritten by an import.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		noHeader, _ := cmd.Flags().GetBool("no-header")

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rowCh, errCh, err := newOpener().Stream(ctx, args[0], streamOptions(!noHeader))
		if err != nil {
			return eris.Wrap(err, "records import")
		}
		read, upserted, err := importRecords(ctx, st, rowCh, errCh)
		if err != nil {
			return eris.Wrap(err, "records import")
		}

		zap.L().Info("records import complete",
			zap.String("source", args[0]),
			zap.Int("read", read),
			zap.Int64("upserted", upserted),
		)
		return nil
	},
}

func init() {
	recordsImportCmd.Flags().Bool("no-header", false, "treat the first row as data")

	recordsCmd.AddCommand(recordsImportCmd)
	rootCmd.AddCommand(recordsCmd)
}

// importRecords drains rowCh into st in chunks. Rows without an id are skipped.
// Codes are stored as given; the engine normalizes them at lookup.
func importRecords(ctx context.Context, st store.Store, rowCh <-chan []string, errCh <-chan error) (int, int64, error) {
	var (
		read     int
		upserted int64
		chunk    = make([]model.BusinessRecord, 0, recordChunkSize)
	)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := st.UpsertRecords(ctx, chunk)
		if err != nil {
			return err
		}
		upserted += n
		chunk = chunk[:0]
		return nil
	}

	for fields := range rowCh {
		rec, ok := recordFromFields(fields)
		if !ok {
			continue
		}
		read++
		chunk = append(chunk, rec)
		if len(chunk) >= recordChunkSize {
			if err := flush(); err != nil {
				// Drain so the stream goroutine can exit.
				for range rowCh {
				}
				return read, upserted, err
			}
		}
	}
	if err := <-errCh; err != nil {
		return read, upserted, err
	}
	if err := flush(); err != nil {
		return read, upserted, err
	}
	return read, upserted, nil
}

func recordFromFields(fields []string) (model.BusinessRecord, bool) {
	if len(fields) == 0 || strings.TrimSpace(fields[0]) == "" {
		return model.BusinessRecord{}, false
	}
	rec := model.BusinessRecord{ID: strings.TrimSpace(fields[0])}
	if len(fields) > 1 {
		rec.Name = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		rec.ActivityCode = strings.TrimSpace(fields[2])
	}
	return rec, true
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/coverage"
	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/monitoring"
	"github.com/sells-group/bizdir-cli/internal/store"
	"github.com/sells-group/bizdir-cli/internal/taxonomy"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only coverage and run-log API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext(cmd.Context())
		defer stop()

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var checker *monitoring.Checker
		if cfg.Monitoring.Enabled {
			checker = newChecker(st)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(st, checker),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the API routes over st. Mappings and the taxonomy are
// reloaded per request so imports show up without a restart. /alerts is only
// mounted when checker is non-nil.
func newRouter(st store.Store, checker *monitoring.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/coverage", func(w http.ResponseWriter, r *http.Request) {
		top, err := intParam(r, "top", 20)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		engine, _, err := newEngine(r.Context(), st)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		rep, err := coverage.NewReporter(st, engine, top).Report(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		runs, err := st.ListRuns(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if runs == nil {
			runs = []model.RunEntry{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/failures", func(w http.ResponseWriter, r *http.Request) {
		keys, err := st.ListFailures(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if keys == nil {
			keys = []model.FailedKey{}
		}
		writeJSON(w, http.StatusOK, keys)
	})

	if checker != nil {
		r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, checker.Last())
		})
	}

	r.Get("/codes/{code}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		code := taxonomy.NormalizeCode(chi.URLParam(r, "code"), cfg.Taxonomy.CodeWidth)

		codes, err := st.ListCodes(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		tax := taxonomy.NewTable(codes)
		entry, ok := tax.Get(code)
		if !ok {
			writeError(w, http.StatusNotFound, eris.Errorf("unknown code %s", code))
			return
		}

		engine, tbl, err := newEngine(ctx, st)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp := codeDetail{
			Code:       entry,
			Ancestors:  tax.Ancestors(code),
			Children:   tax.Children(code),
			Candidates: tbl.Candidates(code),
		}
		d := engine.Decide(model.BusinessRecord{ID: "-", ActivityCode: code})
		if d.OK() {
			resp.Selected = &d.Assignment
		} else {
			resp.SkipReason = d.Reason
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

// codeDetail is the /codes/{code} response.
type codeDetail struct {
	Code       model.EconomicActivityCode   `json:"code"`
	Ancestors  []model.EconomicActivityCode `json:"ancestors"`
	Children   []string                     `json:"children"`
	Candidates []model.CategoryMapping      `json:"candidates"`
	Selected   *model.Assignment            `json:"selected,omitempty"`
	SkipReason model.SkipReason             `json:"skip_reason,omitempty"`
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("api request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

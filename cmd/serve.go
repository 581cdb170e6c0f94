package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/engine"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query engine over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initQueryEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}

		srv := &http.Server{
			Addr:    addr,
			Handler: buildRouter(cfg.Server, env.Engine, env.Traces, env.Ledger.Version()),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server",
			zap.String("addr", addr),
			zap.String("snapshot", env.Ledger.Version()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// answerer is the slice of the engine the HTTP layer needs.
type answerer interface {
	Answer(ctx context.Context, req engine.QueryRequest) (*model.Answer, error)
}

// buildRouter assembles the HTTP API. Handled outcomes (verified answers
// and abstentions) are 200s distinguished by the decision field; only
// broken queries surface as 5xx.
func buildRouter(srvCfg config.ServerConfig, eng answerer, st store.Store, snapshot string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if srvCfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(srvCfg.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: srvCfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"snapshot": snapshot,
		})
	})

	r.Post("/v1/query", func(w http.ResponseWriter, req *http.Request) {
		var qr engine.QueryRequest
		if err := json.NewDecoder(req.Body).Decode(&qr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		runQuery(w, req, eng, qr)
	})

	r.Post("/v1/sessions", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sess, err := st.CreateSession(req.Context(), body.Title)
		if err != nil {
			zap.L().Error("create session failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create session failed")
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	r.Post("/v1/sessions/{sessionID}/query", func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "sessionID")
		if _, err := st.GetSession(req.Context(), sessionID); err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}

		var qr engine.QueryRequest
		if err := json.NewDecoder(req.Body).Decode(&qr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		qr.SessionID = sessionID
		runQuery(w, req, eng, qr)
	})

	return r
}

// runQuery executes one question and writes the gated answer. Classified
// pipeline failures map to 502 (the upstream model misbehaved), anything
// unclassified to 500.
func runQuery(w http.ResponseWriter, req *http.Request, eng answerer, qr engine.QueryRequest) {
	if strings.TrimSpace(qr.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ans, err := eng.Answer(req.Context(), qr)
	if err != nil {
		status := http.StatusInternalServerError
		if _, ok := model.FailureOf(err); ok {
			status = http.StatusBadGateway
		}
		zap.L().Error("query failed",
			zap.String("query", qr.Query),
			zap.Error(err),
		)
		writeError(w, status, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, ans)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

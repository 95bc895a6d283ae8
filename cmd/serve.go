package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/monitoring"
	"github.com/claimguardian/ingest-cli/internal/search"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the health and search HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.state, env.queue, env.store, env.cfg.Monitoring.StaleFactor)
		alerter := monitoring.NewAlerter(env.cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, env.cfg.Monitoring)
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			snap, err := collector.Collect(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			status := "ok"
			if !snap.Healthy() {
				status = "degraded"
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status": status,
				"queue":  snap.Queue,
			})
		})

		r.Get("/health/sources", func(w http.ResponseWriter, req *http.Request) {
			snap, err := collector.Collect(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Get("/api/search", func(w http.ResponseWriter, req *http.Request) {
			sreq, err := searchRequestFromQuery(req)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			resp, err := env.search.Search(req.Context(), *sreq)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Post("/api/search", func(w http.ResponseWriter, req *http.Request) {
			var sreq search.Request
			if err := json.NewDecoder(req.Body).Decode(&sreq); err != nil {
				writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode request body"))
				return
			}
			resp, err := env.search.Search(req.Context(), sreq)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})

		port := servePort
		if port == 0 {
			port = env.cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			if err := shutdownServer(srv, shutdownTimeout); err != nil {
				zap.L().Warn("server drain incomplete", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

const shutdownTimeout = 10 * time.Second

// shutdownServer drains the server on a fresh context; the signal context is
// already canceled by the time shutdown starts, so reusing it would abort
// in-flight requests instead of letting them finish.
func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// searchRequestFromQuery maps URL query parameters onto a search request.
func searchRequestFromQuery(req *http.Request) (*search.Request, error) {
	q := req.URL.Query()
	sreq := &search.Request{
		Query:      q.Get("q"),
		Kinds:      q["kind"],
		SourceIDs:  q["source"],
		Tags:       q["tag"],
		PreferKind: model.RecordKind(q.Get("prefer")),
		Cursor:     q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, eris.Wrap(err, "parse limit")
		}
		sreq.Limit = limit
	}
	spatial, err := parseSpatialFlags(q.Get("bbox"), q.Get("near"))
	if err != nil {
		return nil, err
	}
	sreq.Spatial = spatial
	return sreq, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orderpipe/internal/analytics"
	"orderpipe/internal/metrics"
)

type server struct {
	srv    *http.Server
	logger *slog.Logger
}

func newRouter(mreg *metrics.Registry, svc *analytics.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", mreg.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/report", func(w http.ResponseWriter, _ *http.Request) {
		rep, ok := svc.Last()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary(rep)); err != nil {
			slog.Error("encode report", "error", err)
		}
	})
	return r
}

func startServer(addr string, mreg *metrics.Registry, svc *analytics.Service, logger *slog.Logger) *server {
	s := &server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      newRouter(mreg, svc),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
	logger.Info("starting server", "addr", addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()
	return s
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", "error", err)
	}
	s.logger.Info("server stopped")
}

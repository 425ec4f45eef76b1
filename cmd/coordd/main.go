// cmd/coordd is the coordination service entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/relieforg/crisis-coordination/internal/clock"
	"github.com/relieforg/crisis-coordination/internal/config"
	"github.com/relieforg/crisis-coordination/internal/database"
	"github.com/relieforg/crisis-coordination/internal/handler"
	"github.com/relieforg/crisis-coordination/internal/repository/postgres"
	"github.com/relieforg/crisis-coordination/internal/repository/sqlite"
	"github.com/relieforg/crisis-coordination/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// ── 1. Open storage ───────────────────────────────────────────────────
	var (
		store   service.Store
		cleanup func()
	)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pool, err := database.NewPool(ctx, cfg.Postgres)
		if err != nil {
			slog.Error("database", "error", err)
			os.Exit(1)
		}
		pg := postgres.New(pool)
		if err := pg.InitSchema(ctx); err != nil {
			slog.Error("schema", "error", err)
			os.Exit(1)
		}
		store = pg
		cleanup = pool.Close
		slog.Info("connected to postgres")
	case config.BackendSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			slog.Error("database", "error", err)
			os.Exit(1)
		}
		store = st
		cleanup = func() { _ = st.Close() }
		slog.Info("opened sqlite store", "path", cfg.SQLitePath)
	}
	defer cleanup()

	// ── 2. Wire up layers ─────────────────────────────────────────────────
	clk := clock.NewManual(cfg.ClockStart)
	svc := service.New(store, clk)
	h := handler.NewEventHandler(svc, clk)

	// ── 3. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger)          // structured access log
	r.Use(handler.CORS)

	r.Get("/health", handler.HealthCheck)

	r.Get("/clock", h.GetClock)
	r.Post("/clock/advance", h.AdvanceClock)

	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.ListEvents)
		r.Get("/total", h.TotalEvents)
		r.Get("/{id}", h.GetEvent)
		r.Get("/{id}/enrollments", h.ListEnrollments)
		r.Get("/{id}/enrollments/{participant}", h.GetEnrollment)
		r.Get("/{id}/enrollments/{participant}/joined", h.IsJoined)

		// Mutations require a caller identity.
		r.Group(func(r chi.Router) {
			r.Use(handler.RequireCaller)
			r.Post("/", h.CreateEvent)
			r.Patch("/{id}", h.UpdateEvent)
			r.Post("/{id}/status", h.CloseOrCancel)
			r.Post("/{id}/activate", h.Activate)
			r.Post("/{id}/join", h.Join)
			r.Post("/{id}/leave", h.Leave)
		})
	})

	// ── 4. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kbnotes/internal/api"
	"github.com/starford/kbnotes/internal/mcpserver"
	"github.com/starford/kbnotes/internal/sse"
	"github.com/starford/kbnotes/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger
	if logger == nil {
		var closer io.Closer
		logger, closer = NewLogger(cfg.App, os.Stdout)
		defer closer.Close()
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("notes_path", cfg.Notes.Path),
		slog.String("catalog_path", cfg.Catalog.Path),
		slog.Bool("autosave", cfg.AutoSave.Enabled),
		slog.Bool("backup", cfg.Backup.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ws, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	ws.Engine.Subscribe(broker.Notify)

	fw, err := watcher.New(ws.Store.Root(), logger)
	if err != nil {
		broker.Close()
		_ = ws.Close(context.Background())
		return fmt.Errorf("init watcher: %w", err)
	}

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api; /api/events is served by the broker.
	r.Mount("/api", api.NewRouter(ws.Service, broker, logger))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if err := ws.StartAutosave(gCtx); err != nil {
		broker.Close()
		_ = fw.Close()
		_ = ws.Close(context.Background())
		return err
	}

	// Start file watcher feeding the engine.
	if err := fw.Start(); err != nil {
		logger.Warn("file watcher unavailable", slog.String("error", err.Error()))
	} else {
		g.Go(func() error {
			ws.Engine.Watch(gCtx, fw.Events(), fw.Errors())
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// SSE streams only end when the broker closes their channels.
		broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		if err := fw.Close(); err != nil {
			logger.Error("watcher close error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := ws.Close(shutdownCtx); cerr != nil {
		logger.Error("workspace close error", slog.String("error", cerr.Error()))
	}

	if err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown stops the errgroup once the signal handler has run, so the
// watcher goroutine returns as well.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdio. Stdout carries the protocol, so
// logs go to stderr or the configured log file.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger
	if logger == nil {
		var closer io.Closer
		logger, closer = NewLogger(cfg.App, os.Stderr)
		defer closer.Close()
	}
	slog.SetDefault(logger)

	ws, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ws.Close(closeCtx); err != nil {
			logger.Error("workspace close error", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := ws.StartAutosave(ctx); err != nil {
		return err
	}

	fw, err := watcher.New(ws.Store.Root(), logger)
	if err != nil {
		return fmt.Errorf("init watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Start(); err != nil {
		logger.Warn("file watcher unavailable", slog.String("error", err.Error()))
	} else {
		go ws.Engine.Watch(ctx, fw.Events(), fw.Errors())
	}

	srv := mcpserver.New(ws.Service, app.version)
	logger.Info("MCP server starting on stdio", slog.String("notes_path", ws.Store.Root()))
	return srv.ServeStdio()
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agenthands/cardforge/internal/app"
	"github.com/agenthands/cardforge/internal/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using defaults")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}
	cfg, err := app.LoadConfig(cfgPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if every := cfg.ScanEvery(); every > 0 {
		logger.Info("scheduled conflict scans enabled", "interval", every)
		go engine.Detector.ScheduleScans(ctx, every)
	}

	srv := server.NewServer(engine, logger)
	srv.ScanOnIngest = cfg.Conflict.ScanOnIngest
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.SetupRouter()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("starting server", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

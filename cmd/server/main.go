package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hypetoken/ledger-engine/internal/api"
	"github.com/hypetoken/ledger-engine/internal/app"
	"github.com/hypetoken/ledger-engine/internal/config"
	"github.com/hypetoken/ledger-engine/internal/logging"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, version, logger)
	if err != nil {
		slog.Error("tracing init failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Engine ---
	engine, err := app.New(ctx, cfg, hub)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Scheduler.Start(ctx); err != nil {
		slog.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP ---
	srv := &api.Server{
		Store:     engine.Store,
		Ledger:    engine.Ledger,
		Staking:   engine.Staking,
		Validator: engine.Validator,
		Reporter:  engine.Reporter,
		Jobs:      engine.Scheduler,
		Hub:       hub,
	}
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Port, "store", cfg.Store, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	engine.Scheduler.Wait()
	if err := shutdownTraces(shutdownCtx); err != nil {
		slog.Error("trace shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"live_quotes/internal/app"
	"live_quotes/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

var configPath = flag.String("config", "configs/config.yaml", "config file path")

func main() {
	flag.Parse()

	// 1. Config
	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		slog.Error("❌ Failed to load config", slog.String("path", *configPath), slog.Any("error", err))
		os.Exit(1)
	}

	// 2. Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Pprof Server (localhost only)
	if cfg.HTTP.PprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", cfg.HTTP.PprofAddr))
			if err := http.ListenAndServe(cfg.HTTP.PprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Wiring
	bootstrap := app.NewBootstrap(cfg, logger)
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 6. Run until signal
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("❌ Service exited with error", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("👋 Shut down gracefully")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ibot_go/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", envOr("IBOT_CONFIG", "configs/config.yaml"), "path to the YAML config file")
	pprofAddr := flag.String("pprof", "", "pprof listen address, e.g. localhost:6060 (disabled when empty)")
	flag.Parse()

	// 1. Pprof Server (for performance profiling)
	if *pprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Gateway session, event dispatch, journal and webhook
	slog.InfoContext(ctx, "✅ Starting ibot. Press Ctrl+C to exit.")
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("❌ ibot stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("👋 Shut down gracefully")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

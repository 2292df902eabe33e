// dispatchd is Dispatch's server process: it loads configuration, opens
// the Event Store, wires the adapter registry, orchestrator, live
// transport and HTTP API, runs the orphan/retention sweeps, and serves
// until told to stop.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/api"
	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
	"github.com/fwdslsh/dispatch/pkg/orchestrator"
	"github.com/fwdslsh/dispatch/pkg/queue"
	"github.com/fwdslsh/dispatch/pkg/store"
	"github.com/fwdslsh/dispatch/pkg/transport"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveSymlinks canonicalizes a workspace path for models.CanonicalizePath.
// A workspace may be registered before its directory exists on disk, so a
// missing path falls back to a cleaned absolute path instead of erroring.
func resolveSymlinks(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Clean(path), nil
		}
		return "", err
	}
	return resolved, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	slog.Info("starting dispatchd", "environment", cfg.Environment, "http_addr", cfg.HTTPAddr)

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing event store", "error", err)
		}
	}()
	slog.Info("connected to event store", "db_host", cfg.Database.Host)

	registry := adapter.NewRegistry()
	registry.Register(models.KindPTY, adapter.NewPTYFactory())
	registry.Register(models.KindAI, adapter.NewAIFactory(cfg.Adapters.AI))
	registry.Register(models.KindWebView, adapter.NewWebViewFactory(cfg.Adapters.WebView))

	orch := orchestrator.New(st, registry, cfg.Queue, resolveSymlinks)
	tp := transport.NewConnectionManager(api.HeaderAuthenticator{}, orch)

	sweeps := queue.NewSupervisor(st, orch, cfg.Queue, cfg.Retention)
	if err := sweeps.StartupSweep(ctx); err != nil {
		slog.Error("startup orphan sweep failed", "error", err)
	}
	sweeps.Start(ctx)
	defer sweeps.Stop()

	server := api.NewServer(cfg, st, orch, tp)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		errCh <- server.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down http server", "error", err)
	}
}

// Package main is the entry point for the routecodex proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Jasonzhangf/routecodex/internal/api"
	"github.com/Jasonzhangf/routecodex/internal/auth"
	"github.com/Jasonzhangf/routecodex/internal/classify"
	"github.com/Jasonzhangf/routecodex/internal/codec"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/health"
	"github.com/Jasonzhangf/routecodex/internal/observability"
	"github.com/Jasonzhangf/routecodex/internal/pipeline"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/internal/session"
	"github.com/Jasonzhangf/routecodex/internal/transport"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "routecodex:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLogger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel("info"),
		Output:     os.Stdout,
		JSONFormat: true,
	}, observability.NewRedactor())

	cfgManager, err := config.NewManager(configPath, bootLogger.Logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())

	logger.Info("starting routecodex", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	healthMgr := health.NewManager(cfg.Health, logger.Logger)
	healthMgr.Start(ctx)

	store, closeStore, err := cooldownStore(ctx, cfg.Cooldown, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rateLimits := health.NewRateLimitManager(cfg.Health, store, healthMgr, logger.Logger)
	sessions := session.NewStore(cfg.Session.TTL)
	classifier := classify.New(cfg.Classifier)

	engine, err := router.NewEngine(cfgManager, classifier, healthMgr, rateLimits, sessions, logger.Logger)
	if err != nil {
		return fmt.Errorf("init routing engine: %w", err)
	}

	authDir := cfg.AuthDir
	if authDir == "" {
		authDir = filepath.Join(homeDir(), ".routecodex", "auth")
	}
	authRegistry := auth.NewRegistry(authDir, logger.Logger)

	client := transport.NewClient()
	codecs := codec.NewRegistry()
	assembler := pipeline.NewAssembler(cfgManager, authRegistry, client, codecs, logger.Logger)

	server := api.NewServer(cfgManager, engine, assembler, codecs, logger.Logger)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	marker := writeLifecycleMarker(cfg.Server.Port, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		removeLifecycleMarker(marker)
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	removeLifecycleMarker(marker)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// cooldownStore selects the shared cooldown backend. Redis makes 429
// cooldowns visible across replicas; memory keeps them process local.
func cooldownStore(ctx context.Context, cfg config.CooldownStoreConfig, logger *observability.Logger) (health.CooldownStore, func(), error) {
	if cfg.Backend != "redis" {
		return health.NewMemoryCooldownStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis cooldown store unreachable at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("using redis cooldown store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return health.NewRedisCooldownStore(client), func() { _ = client.Close() }, nil
}

// writeLifecycleMarker records the running instance under
// ~/.routecodex/state so external tooling can find the live port.
func writeLifecycleMarker(port int, logger *observability.Logger) string {
	dir := filepath.Join(homeDir(), ".routecodex", "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("cannot create state dir", "dir", dir, "error", err)
		return ""
	}

	path := filepath.Join(dir, "routecodex-"+strconv.Itoa(port)+".json")
	payload := fmt.Sprintf(`{"pid":%d,"port":%d,"started_at":%q}`,
		os.Getpid(), port, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(payload+"\n"), 0o644); err != nil {
		logger.Warn("cannot write lifecycle marker", "path", path, "error", err)
		return ""
	}
	return path
}

func removeLifecycleMarker(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("ROUTECODEX_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".routecodex", "config.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

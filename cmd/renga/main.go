package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/renga/internal/auth"
	"github.com/ashita-ai/renga/internal/bootstrap"
	"github.com/ashita-ai/renga/internal/config"
	"github.com/ashita-ai/renga/internal/graph"
	"github.com/ashita-ai/renga/internal/llm"
	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/ratelimit"
	runpkg "github.com/ashita-ai/renga/internal/run"
	"github.com/ashita-ai/renga/internal/server"
	"github.com/ashita-ai/renga/internal/storage"
	"github.com/ashita-ai/renga/internal/telemetry"
	"github.com/ashita-ai/renga/internal/tools"
	"github.com/ashita-ai/renga/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RENGA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("renga starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Resource store: Postgres when configured, in-memory otherwise.
	var store storage.Store
	if cfg.DatabaseURL != "" {
		db, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(ctx)

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = db
		logger.Info("store: postgres")
	} else {
		store = storage.NewMemory()
		logger.Warn("store: in-memory (no DATABASE_URL, all state is lost on restart)")
	}

	// Stream resumption buffer (optional).
	var buffer *runpkg.Buffer
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		buffer = runpkg.NewBuffer(client, cfg.StreamBufferTTL, logger)
		logger.Info("stream resumption: enabled", "ttl", cfg.StreamBufferTTL)
	} else {
		logger.Info("stream resumption: disabled (no REDIS_URL)")
	}

	// Model provider resolution.
	resolver := llm.NewResolver(llm.Config{
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		DefaultModel:    cfg.DefaultModel,
		MaxTokens:       cfg.MaxTokens,
	})

	// Graph registry with the built-in agent graph. Tool servers are dialed
	// per run from assistant configuration.
	connect := func(ctx context.Context, servers []model.ToolServerConfig) (graph.Toolset, error) {
		ts, err := tools.Connect(ctx, servers, logger)
		if err != nil {
			return nil, err
		}
		return ts, nil
	}
	registry := graph.NewRegistry()
	registry.Register(graph.ChatGraphID, graph.NewChatFactory(resolver, connect, logger))

	coordinator := runpkg.NewCoordinator(store, registry, buffer, logger)

	// Sync shared assistants from the manifest.
	if cfg.AssistantsFile != "" {
		manifest, err := bootstrap.Load(cfg.AssistantsFile, registry)
		if err != nil {
			return err
		}
		if err := bootstrap.Sync(ctx, store, manifest, logger); err != nil {
			return err
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.AuthDisabled {
		logger.Warn("auth disabled: all requests act as the shared owner")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		rps := float64(cfg.RateLimitPerMinute) / 60
		limiter = ratelimit.NewMemoryLimiter(rps, cfg.RateLimitPerMinute)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.Config{
		Store:               store,
		Runs:                coordinator,
		Graphs:              registry,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		AuthDisabled:        cfg.AuthDisabled,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("renga shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("renga stopped")
	return nil
}

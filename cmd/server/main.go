// The server binary runs the ingress tier: the HTTP API, the websocket push
// hub, the cache-invalidation bridge, and the maintenance scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/api"
	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/jobs"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/maintenance"
	"github.com/chimera-ai/chimera/internal/memory"
	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
	"github.com/chimera-ai/chimera/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// embeddingDims matches the embedding model wired into the worker.
const embeddingDims = 1536

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chimera-server",
		Short: "Chimera server — AI request ingress and delivery tier",
		Long: `Chimera server terminates gateway HTTP traffic, deduplicates and
enqueues generation jobs, serves job results and delivery confirmation,
pushes live job events over websocket, and runs the maintenance routines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chimera-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.ServiceSecret == "" {
		logger.Warn("INTERNAL_SERVICE_SECRET is not set; all protected routes will reject requests")
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger.Info("starting chimera server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("env", cfg.Env),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.EncryptionKey != nil {
		if err := db.InitEncryption(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("init credential encryption: %w", err)
		}
	}

	database, err := db.New(db.Config{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, Logger: logger})
	if err != nil {
		return err
	}

	rdb, err := kv.New(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close() //nolint:errcheck

	// The vector store rides the PostgreSQL DSN; SQLite deployments run
	// without long-term memory and the backfill routine turns itself off.
	var memories *memory.Store
	if cfg.DBDriver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("vector store pool: %w", err)
		}
		defer pool.Close()
		memories = memory.NewStore(pool, embeddingDims, logger)
	}

	// Repositories and per-process caches.
	users := repositories.NewUserRepository(database)
	personas := repositories.NewPersonaRepository(database)
	personalities := repositories.NewPersonalityRepository(database)
	llmConfigs := repositories.NewLLMConfigRepository(database)
	userConfigs := repositories.NewUserConfigRepository(database)
	channels := repositories.NewChannelRepository(database)
	denylist := repositories.NewDenylistRepository(database)
	results := repositories.NewJobResultRepository(database)
	pending := repositories.NewPendingMemoryRepository(database)
	tombstones := repositories.NewTombstoneRepository(database)

	llmConfigCache := cache.NewLLMConfigResolver(llmConfigs, cache.DefaultTTL)
	cascade := cache.NewCascadeResolver(personalities, userConfigs, channels, llmConfigCache, cache.DefaultTTL, logger)
	personaCache := cache.NewPersonaResolver(users, personas, userConfigs, cache.DefaultTTL)

	// Invalidation fabric: subscribe the caches, then bridge DB NOTIFY onto
	// the bus.
	invalidation := bus.New(rdb, logger)
	unsubscribe, err := invalidation.Subscribe(ctx, func(e bus.Event) {
		llmConfigCache.HandleEvent(e)
		cascade.HandleEvent(e)
		personaCache.HandleEvent(e)
	})
	if err != nil {
		return fmt.Errorf("subscribe invalidation bus: %w", err)
	}
	defer unsubscribe() //nolint:errcheck

	if cfg.DBDriver == "postgres" {
		bridge := bus.NewBridge(cfg.DatabaseURL, invalidation, logger)
		go bridge.Run(ctx)
	}

	q := queue.New(rdb, logger)
	go q.RunPromoter(ctx, time.Second)

	// Websocket push.
	hub := ws.NewHub()
	go hub.Run(ctx)
	go func() {
		if err := ws.Forward(ctx, q, hub, logger); err != nil {
			logger.Error("job event forwarder failed", zap.Error(err))
		}
	}()

	// Maintenance routines run in the server so the worker stays a pure
	// queue consumer.
	deps := &jobs.Deps{
		Cfg:           cfg,
		Log:           logger,
		Queue:         q,
		Memories:      memories,
		LLM:           llm.NewClient(llm.ClientOptions{BaseURL: cfg.OpenRouterURL, Logger: logger}),
		Results:       results,
		Pending:       pending,
		Tombstones:    tombstones,
		Personalities: personalities,
	}
	sched, err := maintenance.New(deps, logger)
	if err != nil {
		return err
	}
	sched.RunStartupResync(ctx)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Cfg:       cfg,
		Logger:    logger,
		Queue:     q,
		Limiter:   kv.NewRateLimiter(rdb),
		Dedup:     kv.NewDeduplicator(rdb, 0),
		Telemetry: kv.NewStopSequenceTelemetry(rdb, logger),
		Bus:       invalidation,
		Results:   results,
		Channels:  channels,
		Denylist:  denylist,
		WS:        ws.NewHandler(hub, logger),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down chimera server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

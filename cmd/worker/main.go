// The worker binary consumes the job queue: the generation pipeline,
// audio transcription and image description handlers run here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/jobs"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/memory"
	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// embeddingDims matches the text-embedding-3-small output width.
const embeddingDims = 1536

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chimera-worker",
		Short: "Chimera worker — queue consumer for AI generation jobs",
		Long: `Chimera worker pulls jobs from the shared Redis queue and runs the
generation pipeline, audio transcription, and image description against
the LLM provider. Multiple workers can run side by side.`,
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
			fmt.Printf("chimera-worker %s (commit: %s, built: %s)\n", version, commit, date)
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

	logger.Info("starting chimera worker",
		zap.String("version", version),
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("vector store pool: %w", err)
	}
	defer pool.Close()

	memories := memory.NewStore(pool, embeddingDims, logger)
	if err := memories.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("vector schema: %w", err)
	}

	users := repositories.NewUserRepository(database)
	personas := repositories.NewPersonaRepository(database)
	personalities := repositories.NewPersonalityRepository(database)
	llmConfigs := repositories.NewLLMConfigRepository(database)
	userConfigs := repositories.NewUserConfigRepository(database)
	channels := repositories.NewChannelRepository(database)
	credentials := repositories.NewCredentialRepository(database)

	llmConfigCache := cache.NewLLMConfigResolver(llmConfigs, cache.DefaultTTL)
	cascade := cache.NewCascadeResolver(personalities, userConfigs, channels, llmConfigCache, cache.DefaultTTL, logger)
	personaCache := cache.NewPersonaResolver(users, personas, userConfigs, cache.DefaultTTL)
	credentialCache := cache.NewCredentialResolver(credentials, cache.DefaultTTL, logger)

	invalidation := bus.New(rdb, logger)
	unsubscribe, err := invalidation.Subscribe(ctx, func(e bus.Event) {
		llmConfigCache.HandleEvent(e)
		cascade.HandleEvent(e)
		personaCache.HandleEvent(e)
		credentialCache.HandleEvent(e)
	})
	if err != nil {
		return fmt.Errorf("subscribe invalidation bus: %w", err)
	}
	defer unsubscribe() //nolint:errcheck

	q := queue.New(rdb, logger)
	deps := &jobs.Deps{
		Cfg:           cfg,
		Log:           logger,
		Queue:         q,
		Locks:         kv.NewMessageLocks(rdb, 0),
		Stream:        kv.NewResultStream(rdb),
		Telemetry:     kv.NewStopSequenceTelemetry(rdb, logger),
		Cascade:       cascade,
		Credentials:   credentialCache,
		Personas:      personaCache,
		Memories:      memories,
		LLM:           llm.NewClient(llm.ClientOptions{BaseURL: cfg.OpenRouterURL, Logger: logger}),
		Results:       repositories.NewJobResultRepository(database),
		Pending:       repositories.NewPendingMemoryRepository(database),
		Settings:      repositories.NewSettingsRepository(database),
		Tombstones:    repositories.NewTombstoneRepository(database),
		Personalities: personalities,
	}

	consumer := queue.NewConsumer(q, logger)
	jobs.Register(consumer, q, deps)

	logger.Info("worker consuming")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("consumer: %w", err)
	}

	logger.Info("shutting down chimera worker")
	return nil
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

// Package jobs binds job types to their handlers: the generation pipeline,
// audio transcription, image description, and the maintenance routines the
// scheduler drives.
package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/memory"
	"github.com/chimera-ai/chimera/internal/pipeline"
	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// MaxAttempts is the shared retry bound for the core job types.
const MaxAttempts = 3

// defaultBackoffUnit is the first-retry delay; the queue doubles it per
// attempt.
const defaultBackoffUnit = 2 * time.Second

// Worker concurrency per job type.
const (
	generationConcurrency    = 4
	transcriptionConcurrency = 2
	descriptionConcurrency   = 2
)

// Models used by the auxiliary job types.
const (
	transcriptionModel = "openai/whisper-1"
	embeddingModel     = "openai/text-embedding-3-small"
)

// Deps collects everything the handlers need. Built once in the worker
// entrypoint.
type Deps struct {
	Cfg           *config.Config
	Log           *zap.Logger
	Queue         *queue.Queue
	Locks         *kv.MessageLocks
	Stream        *kv.ResultStream
	Telemetry     *kv.StopSequenceTelemetry
	Cascade       *cache.CascadeResolver
	Credentials   *cache.CredentialResolver
	Personas      *cache.PersonaResolver
	Memories      *memory.Store
	LLM           *llm.Client
	Results       repositories.JobResultRepository
	Pending       repositories.PendingMemoryRepository
	Settings      repositories.SettingsRepository
	Tombstones    repositories.TombstoneRepository
	Personalities repositories.PersonalityRepository
}

// Register wires every core job type into the consumer with its retry
// policy.
func Register(c *queue.Consumer, q *queue.Queue, d *Deps) {
	q.SetPolicy(queue.TypeGeneration, queue.Policy{MaxAttempts: MaxAttempts, Backoff: defaultBackoffUnit})
	q.SetPolicy(queue.TypeTranscription, queue.Policy{MaxAttempts: MaxAttempts, Backoff: defaultBackoffUnit})
	q.SetPolicy(queue.TypeImageDescription, queue.Policy{MaxAttempts: MaxAttempts, Backoff: defaultBackoffUnit})

	c.Consume(queue.TypeGeneration, generationConcurrency, d.Generation())
	c.Consume(queue.TypeTranscription, transcriptionConcurrency, d.Transcription())
	c.Consume(queue.TypeImageDescription, descriptionConcurrency, d.ImageDescription())
}

// buildPipeline assembles the ordered stage list for one generation run.
func (d *Deps) buildPipeline() *pipeline.Pipeline {
	return pipeline.New(d.Log,
		pipeline.NormalizeStage{},
		pipeline.ConfigStage{Cascade: d.Cascade},
		pipeline.AuthStage{Credentials: d.Credentials, Settings: d.Settings, SystemKey: d.Cfg.OpenRouterKey},
		pipeline.PrepareStage{},
		pipeline.RetrieveStage{Personas: d.Personas, Store: d.Memories, Embedder: d.LLM, EmbeddingModel: embeddingModel},
		pipeline.PromptStage{Verbose: d.Cfg.Development()},
		pipeline.BudgetStage{},
		pipeline.InvokeStage{Client: d.LLM},
		pipeline.PostProcessStage{},
		pipeline.TelemetryStage{Telemetry: d.Telemetry},
		pipeline.PersistStage{Pending: d.Pending, Store: d.Memories, Embedder: d.LLM, EmbeddingModel: embeddingModel},
		pipeline.DeliverStage{Stream: d.Stream, Results: d.Results},
	)
}

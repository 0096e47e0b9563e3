package api

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after every component is initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Cfg    *config.Config
	Logger *zap.Logger

	Queue     *queue.Queue
	Limiter   *kv.RateLimiter
	Dedup     *kv.Deduplicator
	Telemetry *kv.StopSequenceTelemetry
	Bus       *bus.Bus

	Results  repositories.JobResultRepository
	Channels repositories.ChannelRepository
	Denylist repositories.DenylistRepository

	// WS, when non-nil, is mounted at /ws for live job-event push.
	WS http.Handler
}

// NewRouter builds and returns the fully configured Chi router. The health
// check, Prometheus metrics and the blob mounts (avatars, staged attachments)
// are public; everything else sits behind the service-token middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if len(cfg.Cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Service-Token"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	generateHandler := newGenerateHandler(cfg)
	jobHandler := &jobHandler{queue: cfg.Queue, results: cfg.Results, log: cfg.Logger}
	channelHandler := &channelHandler{channels: cfg.Channels, bus: cfg.Bus, log: cfg.Logger}
	adminHandler := &adminHandler{denylist: cfg.Denylist, telemetry: cfg.Telemetry, bus: cfg.Bus, log: cfg.Logger}

	// --- Public routes ---
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Blob mounts. Workers fetch staged attachments from here; clients fetch
	// avatars.
	fileServer(r, "/avatars", http.Dir(cfg.Cfg.AvatarsDir()))
	fileServer(r, "/temp-attachments", http.Dir(cfg.Cfg.TempAttachmentsDir()))

	// --- Service-to-service routes ---
	r.Group(func(r chi.Router) {
		r.Use(ServiceToken(cfg.Cfg.ServiceSecret))

		r.Post("/ai/generate", generateHandler.Generate)
		r.Post("/ai/transcribe", generateHandler.Transcribe)
		r.Get("/ai/job/{jobId}", jobHandler.Get)
		r.Post("/ai/job/{jobId}/confirm-delivery", jobHandler.ConfirmDelivery)

		r.Get("/user/channel/list", channelHandler.List)
		r.Patch("/user/channel/{id}/config-overrides", channelHandler.PatchOverrides)
		r.Delete("/user/channel/{id}/config-overrides", channelHandler.ClearOverrides)

		r.Get("/admin/denylist", adminHandler.ListDenylist)
		r.Post("/admin/denylist", adminHandler.AddDenylist)
		r.Delete("/admin/denylist", adminHandler.RemoveDenylist)
		r.Get("/admin/stop-sequences", adminHandler.StopSequences)

		if cfg.WS != nil {
			r.Handle("/ws", cfg.WS)
		}
	})

	return r
}

// fileServer mounts a read-only static file server under prefix. Directory
// listings are disabled; only direct file paths resolve.
func fileServer(r chi.Router, prefix string, root http.Dir) {
	fs := http.StripPrefix(prefix, http.FileServer(noDirFS{root}))
	r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
	})
}

// noDirFS wraps an http.Dir and refuses directory reads.
type noDirFS struct {
	fs http.Dir
}

func (n noDirFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

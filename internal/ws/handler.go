package ws

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/queue"
)

// Handler upgrades gateway connections and subscribes them to job topics.
// The topic list is declared at connection time via the `topics` query
// parameter; the "jobs" firehose is always included so a gateway sees every
// transition without enumerating ids.
//
// Example connection URL:
//
//	ws://host/ws?topics=job:018f...,job:0190...
type Handler struct {
	hub *Hub
	log *zap.Logger
}

// NewHandler returns the upgrade handler for the given hub.
func NewHandler(hub *Hub, log *zap.Logger) *Handler {
	return &Handler{hub: hub, log: log.Named("ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	client, err := NewClient(h.hub, w, r, topics, h.log)
	if err != nil {
		// The upgrader already wrote the error response.
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	h.log.Info("ws client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics))

	client.Run()

	h.log.Info("ws client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics builds the deduplicated topic list: the firehose plus any
// explicit job topics from the query string.
func resolveTopics(r *http.Request) []string {
	seen := map[string]struct{}{}
	topics := []string{}

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	add("jobs")
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}
	return topics
}

// Forward bridges queue lifecycle events into the hub. It blocks until ctx
// is cancelled; run it in its own goroutine alongside the hub's Run loop.
func Forward(ctx context.Context, q *queue.Queue, hub *Hub, log *zap.Logger) error {
	unsubscribe, err := q.SubscribeEvents(ctx, func(e queue.Event) {
		msg := Message{
			Type:  MsgJobStatus,
			Topic: "job:" + e.JobID,
			Payload: JobStatusPayload{
				JobID: e.JobID,
				State: e.State,
				Error: e.Error,
			},
		}
		hub.Publish(msg.Topic, msg)

		firehose := msg
		firehose.Topic = "jobs"
		hub.Publish("jobs", firehose)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	if err := unsubscribe(); err != nil {
		log.Warn("job event unsubscribe failed", zap.Error(err))
	}
	return nil
}

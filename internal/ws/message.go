// Package ws implements the real-time push channel for the gateway: a
// topic-based hub over gorilla/websocket that forwards job lifecycle events
// to connected adapter processes.
//
// Topic naming convention:
//
//	job:<id>  — lifecycle events for one job
//	jobs      — firehose of every job transition
package ws

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (queued → active → completed | failed).
	MsgJobStatus MessageType = "job.status"

	// MsgPing keeps the connection alive and lets the client detect stale
	// connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"state":"completed"}}
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

// JobStatusPayload is the payload of MsgJobStatus frames.
type JobStatusPayload struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

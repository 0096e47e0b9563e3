package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/queue"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.stopped
	})
	return hub
}

func dial(t *testing.T, server *httptest.Server, topics string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?topics=" + topics
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPublishReachesSubscribedTopic(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(NewHandler(hub, zap.NewNop()))
	defer server.Close()

	conn := dial(t, server, "job:abc")

	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish("job:abc", Message{
		Type:    MsgJobStatus,
		Topic:   "job:abc",
		Payload: JobStatusPayload{JobID: "abc", State: queue.StateCompleted},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, MsgJobStatus, msg.Type)
	assert.Equal(t, "job:abc", msg.Topic)
}

func TestFirehoseAlwaysSubscribed(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(NewHandler(hub, zap.NewNop()))
	defer server.Close()

	// No explicit topics: the firehose still delivers.
	conn := dial(t, server, "")

	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish("jobs", Message{Type: MsgJobStatus, Topic: "jobs"})
	msg := readMessage(t, conn)
	assert.Equal(t, "jobs", msg.Topic)
}

func TestPublishToUnsubscribedTopicIsDropped(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(NewHandler(hub, zap.NewNop()))
	defer server.Close()

	conn := dial(t, server, "job:wanted")
	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish("job:other", Message{Type: MsgJobStatus, Topic: "job:other"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg Message
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestForwardBridgesQueueEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.New(client, zap.NewNop())

	hub := startHub(t)
	server := httptest.NewServer(NewHandler(hub, zap.NewNop()))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		_ = Forward(ctx, q, hub, zap.NewNop())
	}()

	conn := dial(t, server, "job:j1")
	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Give the event subscription a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	raw, err := json.Marshal(queue.Event{JobID: "j1", State: queue.StateCompleted})
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), "jobs:events", raw).Err())

	msg := readMessage(t, conn)
	assert.Equal(t, MsgJobStatus, msg.Type)
	assert.Equal(t, "job:j1", msg.Topic)

	cancel()
	select {
	case <-forwardDone:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}

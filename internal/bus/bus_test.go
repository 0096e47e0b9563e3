package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, zap.NewNop())
}

func TestEventValidate(t *testing.T) {
	valid := []Event{
		{Kind: KindAPIKey, Scope: ScopeAll},
		{Kind: KindAPIKey, Scope: ScopeUser, ID: "u1"},
		{Kind: KindLLMConfig, Scope: ScopeConfig, ID: "c1"},
		{Kind: KindCascade, Scope: ScopeAdmin},
		{Kind: KindCascade, Scope: ScopePersonality, ID: "p1"},
		{Kind: KindPersonality},
		{Kind: KindDenylist, Scope: ScopeAdd},
	}
	for _, e := range valid {
		assert.NoError(t, e.Validate(), e.String())
	}

	invalid := []Event{
		{Kind: "bogus", Scope: ScopeAll},
		{Kind: KindAPIKey, Scope: ScopeUser}, // missing id
		{Kind: KindAPIKey, Scope: ScopeAll, ID: "u1"},
		{Kind: KindPersonality, Scope: ScopeUser, ID: "u1"},
		{Kind: KindDenylist, Scope: ScopeAll},
	}
	for _, e := range invalid {
		assert.Error(t, e.Validate(), e.String())
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 4)
	cleanup, err := b.Subscribe(ctx, func(e Event) { received <- e })
	require.NoError(t, err)
	defer cleanup() //nolint:errcheck

	want := Event{Kind: KindPersona, Scope: ScopeUser, ID: "user-9"}
	require.NoError(t, b.Publish(ctx, want))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	b := testBus(t)
	err := b.Publish(context.Background(), Event{Kind: KindAPIKey, Scope: ScopeUser})
	assert.Error(t, err)
}

func TestSubscribeCleanupStopsDelivery(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	received := make(chan Event, 1)
	cleanup, err := b.Subscribe(ctx, func(e Event) { received <- e })
	require.NoError(t, err)
	require.NoError(t, cleanup())

	require.NoError(t, b.Publish(ctx, Event{Kind: KindChannel}))

	select {
	case <-received:
		t.Fatal("handler ran after cleanup")
	case <-time.After(100 * time.Millisecond):
	}
}

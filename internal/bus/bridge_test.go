package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackoffDoublesToCeiling(t *testing.T) {
	r := newReconnect()

	delay, retry := r.next()
	require.True(t, retry)
	assert.Equal(t, bridgeInitialBackoff, delay)

	delay, retry = r.next()
	require.True(t, retry)
	assert.Equal(t, 2*bridgeInitialBackoff, delay)

	for i := 0; i < 10; i++ {
		delay, retry = r.next()
		require.True(t, retry)
	}
	assert.Equal(t, bridgeMaxBackoff, delay)
}

func TestReconnectResetsAfterHealthySession(t *testing.T) {
	r := newReconnect()
	for i := 0; i < bridgeMaxAttempts-2; i++ {
		_, retry := r.next()
		require.True(t, retry)
	}

	// A session that delivered a notification wipes the failure streak.
	r.reset()

	delay, retry := r.next()
	require.True(t, retry)
	assert.Equal(t, bridgeInitialBackoff, delay)
	assert.Equal(t, 1, r.attempts)
}

func TestReconnectGivesUpAfterUnbrokenFailures(t *testing.T) {
	r := newReconnect()
	for i := 0; i < bridgeMaxAttempts-1; i++ {
		_, retry := r.next()
		require.True(t, retry)
	}
	_, retry := r.next()
	assert.False(t, retry)
}

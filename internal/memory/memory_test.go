package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearcher records every query and serves canned results keyed by
// whether the query is channel-scoped.
type fakeSearcher struct {
	calls  []SearchParams
	scoped []Memory
	global []Memory
}

func (f *fakeSearcher) Search(_ context.Context, p SearchParams) ([]Memory, error) {
	f.calls = append(f.calls, p)
	pool := f.global
	if len(p.ChannelIDs) > 0 {
		pool = f.scoped
	}

	var out []Memory
	for _, m := range pool {
		if containsID(p.ExcludeIDs, m.ID) {
			continue
		}
		out = append(out, m)
		if len(out) == p.Limit {
			break
		}
	}
	return out, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func mems(n int) []Memory {
	out := make([]Memory, n)
	for i := range out {
		out[i] = Memory{ID: uuid.New()}
	}
	return out
}

func TestWaterfallReservesChannelBudget(t *testing.T) {
	f := &fakeSearcher{scoped: mems(5), global: mems(20)}
	persona := uuid.New()

	got, err := Waterfall(context.Background(), f, SearchParams{PersonaID: persona},
		10, 0.3, []string{"chan-1"})
	require.NoError(t, err)
	require.Len(t, got, 10)

	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"chan-1"}, f.calls[0].ChannelIDs)
	assert.Equal(t, 3, f.calls[0].Limit)
	assert.Empty(t, f.calls[1].ChannelIDs)
	assert.Equal(t, 7, f.calls[1].Limit)

	// Backfill excludes the first pass's ids, and scoped results lead.
	for i := 0; i < 3; i++ {
		assert.Equal(t, f.scoped[i].ID, got[i].ID)
		assert.True(t, containsID(f.calls[1].ExcludeIDs, f.scoped[i].ID))
	}
}

func TestWaterfallClampsBudgetFloor(t *testing.T) {
	f := &fakeSearcher{scoped: mems(3), global: mems(3)}

	got, err := Waterfall(context.Background(), f, SearchParams{PersonaID: uuid.New()},
		1, 0.5, []string{"chan-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.Len(t, f.calls, 1)
	assert.Equal(t, 1, f.calls[0].Limit)
	assert.Equal(t, []string{"chan-1"}, f.calls[0].ChannelIDs)
}

func TestWaterfallNoChannelsSinglePass(t *testing.T) {
	f := &fakeSearcher{global: mems(4)}

	got, err := Waterfall(context.Background(), f, SearchParams{PersonaID: uuid.New()},
		10, 0.9, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	require.Len(t, f.calls, 1)
	assert.Equal(t, 10, f.calls[0].Limit)
}

func TestWaterfallRatioClampedToOne(t *testing.T) {
	f := &fakeSearcher{scoped: mems(10), global: mems(10)}

	got, err := Waterfall(context.Background(), f, SearchParams{PersonaID: uuid.New()},
		4, 3.0, []string{"chan-1"})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	require.Len(t, f.calls, 1)
	assert.Equal(t, 4, f.calls[0].Limit)
}

func TestDeterministicIDStable(t *testing.T) {
	persona, personality := uuid.New(), uuid.New()

	a := DeterministicID(persona, personality, "the user likes tea")
	b := DeterministicID(persona, personality, "the user likes tea")
	c := DeterministicID(persona, personality, "the user likes coffee")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, DeterministicID(personality, persona, "the user likes tea"))
}

func TestDeterministicIDUsesHashedDerivation(t *testing.T) {
	persona, personality := uuid.New(), uuid.New()
	content := "the user likes tea"

	sum := sha256.Sum256([]byte(content))
	name := persona.String() + ":" + personality.String() + ":" + hex.EncodeToString(sum[:])
	want := uuid.NewSHA1(memoryNamespace, []byte(name))

	assert.Equal(t, want, DeterministicID(persona, personality, content))
}

package memory

import (
	"context"
	"math"

	"github.com/google/uuid"
)

// Searcher is the narrow retrieval interface the waterfall composes over.
// *Store satisfies it; tests substitute fakes.
type Searcher interface {
	Search(ctx context.Context, p SearchParams) ([]Memory, error)
}

// Waterfall retrieves memories in two passes: channel-scoped results first,
// up to a reserved share of the budget, then global results backfilling the
// remainder with the first pass's ids excluded. Channel-scoped results keep
// their position at the front of the combined list.
//
// The ratio is clamped to [0, 1]; a non-empty channel set always reserves at
// least one slot. With no channels the whole budget goes to a single global
// pass.
func Waterfall(ctx context.Context, s Searcher, base SearchParams, totalLimit int, ratio float64, channelIDs []string) ([]Memory, error) {
	if totalLimit <= 0 {
		return nil, nil
	}
	if len(channelIDs) == 0 {
		base.ChannelIDs = nil
		base.Limit = totalLimit
		return s.Search(ctx, base)
	}

	ratio = math.Max(0, math.Min(1, ratio))
	channelBudget := int(math.Floor(float64(totalLimit) * ratio))
	if channelBudget < 1 {
		channelBudget = 1
	}
	if channelBudget > totalLimit {
		channelBudget = totalLimit
	}

	channelParams := base
	channelParams.ChannelIDs = channelIDs
	channelParams.Limit = channelBudget
	scoped, err := s.Search(ctx, channelParams)
	if err != nil {
		return nil, err
	}

	remaining := totalLimit - len(scoped)
	if remaining <= 0 {
		return scoped, nil
	}

	exclude := make([]uuid.UUID, 0, len(scoped)+len(base.ExcludeIDs))
	for _, m := range scoped {
		exclude = append(exclude, m.ID)
	}
	exclude = append(exclude, base.ExcludeIDs...)

	globalParams := base
	globalParams.ChannelIDs = nil
	globalParams.Limit = remaining
	globalParams.ExcludeIDs = exclude

	global, err := s.Search(ctx, globalParams)
	if err != nil {
		return nil, err
	}
	return append(scoped, global...), nil
}

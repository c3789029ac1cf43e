package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/interfaces"
	"dex/types"
)

func TestTipSelectorPullTipsNoneAvailable(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	cluster := NewSimulatedCluster()
	selector := NewTipSelector(store, cluster, types.NodeID("self"))

	_, _, ok := selector.PullTips(context.Background())
	assert.False(t, ok)
}

func TestTipSelectorPullTipsOnlyOneAvailable(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	require.NoError(t, store.Store(context.Background(), &types.CheckpointBlock{SoeHash: "only", Height: types.Height{Min: 1, Max: 1}}))
	cluster := NewSimulatedCluster()
	selector := NewTipSelector(store, cluster, types.NodeID("self"))

	_, _, ok := selector.PullTips(context.Background())
	assert.False(t, ok)
}

func TestTipSelectorFacilitatorsExcludesDuplicateSelf(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	require.NoError(t, store.Store(context.Background(), &types.CheckpointBlock{SoeHash: "a", Height: types.Height{Min: 1, Max: 1}}))
	require.NoError(t, store.Store(context.Background(), &types.CheckpointBlock{SoeHash: "b", Height: types.Height{Min: 2, Max: 2}}))

	cluster := NewSimulatedCluster()
	self := types.NodeID("self")
	cluster.AddPeer(interfaces.PeerData{ID: self, Ready: true, Full: true})
	cluster.AddPeer(interfaces.PeerData{ID: types.NodeID("peer-1"), Ready: true, Full: true})
	cluster.AddPeer(interfaces.PeerData{ID: types.NodeID("peer-2"), Ready: false, Full: true})

	selector := NewTipSelector(store, cluster, self)
	tips, facilitators, ok := selector.PullTips(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(1), tips.MinHeight)

	seen := map[types.NodeID]int{}
	for _, id := range facilitators {
		seen[id]++
	}
	assert.Equal(t, 1, seen[self])
	assert.Equal(t, 1, seen[types.NodeID("peer-1")])
	assert.Equal(t, 0, seen[types.NodeID("peer-2")])
}

package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/keys"
	"dex/types"
)

func TestGenesisBuilderBuildSeedsTwoTips(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	builder := NewGenesisBuilder(store)

	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	obs, err := builder.Build(context.Background(), []Allocation{
		{Address: kp.Address, Balance: 1000},
	})
	require.NoError(t, err)

	require.NotEmpty(t, obs.GenesisBlock.SoeHash)
	require.NotEmpty(t, obs.DistributionBlock1.SoeHash)
	require.NotEmpty(t, obs.DistributionBlock2.SoeHash)

	assert.True(t, store.IsCheckpointAccepted(obs.GenesisBlock.SoeHash))
	assert.True(t, store.IsCheckpointAccepted(obs.DistributionBlock1.SoeHash))
	assert.True(t, store.IsCheckpointAccepted(obs.DistributionBlock2.SoeHash))

	tips := store.Tips()
	require.Len(t, tips, 2)
	tipHashes := map[string]bool{tips[0].SoeHash: true, tips[1].SoeHash: true}
	assert.True(t, tipHashes[obs.DistributionBlock1.SoeHash])
	assert.True(t, tipHashes[obs.DistributionBlock2.SoeHash])
	assert.False(t, tipHashes[obs.GenesisBlock.SoeHash])

	require.Len(t, obs.GenesisBlock.Transactions, 1)
	assert.Equal(t, kp.Address, obs.GenesisBlock.Transactions[0].Destination)
	assert.Equal(t, uint64(1000), obs.GenesisBlock.Transactions[0].Amount)
	assert.True(t, obs.GenesisBlock.IsGenesisParented())
	assert.False(t, obs.DistributionBlock1.IsGenesisParented())
}

func TestGenesisBuilderBuildSeedsAllocationBalances(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	builder := NewGenesisBuilder(store)

	a, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	b, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	obs, err := builder.Build(context.Background(), []Allocation{
		{Address: a.Address, Balance: 100},
		{Address: b.Address, Balance: 50},
	})
	require.NoError(t, err)
	require.Len(t, obs.GenesisBlock.Transactions, 2)

	balA, ok := store.GetBalance(a.Address)
	require.True(t, ok)
	assert.Equal(t, uint64(100), balA)

	balB, ok := store.GetBalance(b.Address)
	require.True(t, ok)
	assert.Equal(t, uint64(50), balB)

	_, ok = store.GetBalance(types.Address("nobody"))
	assert.False(t, ok)
}

func TestGenesisBuilderDistributionBlocksAreDistinct(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	builder := NewGenesisBuilder(store)
	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	obs, err := builder.Build(context.Background(), []Allocation{{Address: kp.Address, Balance: 1}})
	require.NoError(t, err)

	assert.NotEqual(t, obs.DistributionBlock1.BaseHash, obs.DistributionBlock2.BaseHash)
	assert.NotEqual(t, obs.DistributionBlock1.SoeHash, obs.DistributionBlock2.SoeHash)
}

func TestGenesisBuilderDeterministicCoinbaseAddress(t *testing.T) {
	a, err := keys.CoinbaseKeyPair()
	require.NoError(t, err)
	b, err := keys.CoinbaseKeyPair()
	require.NoError(t, err)
	assert.Equal(t, a.Address, b.Address)
}

func TestGenesisBuilderTipsSelectableByTipSelector(t *testing.T) {
	store := NewSimulatedCheckpointStore()
	builder := NewGenesisBuilder(store)
	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	_, err = builder.Build(context.Background(), []Allocation{{Address: kp.Address, Balance: 1}})
	require.NoError(t, err)

	cluster := NewSimulatedCluster()
	self := types.NodeID("node-a")
	selector := NewTipSelector(store, cluster, self)

	tips, facilitators, ok := selector.PullTips(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(1), tips.MinHeight)
	require.Len(t, facilitators, 1)
	assert.Equal(t, self, facilitators[0])
}

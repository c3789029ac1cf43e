package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/interfaces"
	"dex/keys"
	"dex/types"
)

// testNode bundles one simulated participant's collaborators, enough to
// build a RoundManager and observe its committed blocks.
type testNode struct {
	id      types.NodeID
	store   *SimulatedCheckpointStore
	pool    *SimulatedPool
	cluster *SimulatedCluster
	node    *SimulatedNodeStorage
	events  *EventBus
	manager *RoundManager

	committed chan *types.CheckpointBlock
}

func newTestNode(t *testing.T, id types.NodeID, sender *SimulatedRemoteSender, cfg *Config) *testNode {
	t.Helper()
	store := NewSimulatedCheckpointStore()
	pool := NewSimulatedPool()
	cluster := NewSimulatedCluster()
	nodeStorage := NewSimulatedNodeStorage(types.NodeStateReady)
	events := NewEventBus()
	metrics := NewMetrics(nil)
	txChain := NewTxChain()
	tipSelector := NewTipSelector(store, cluster, id)

	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	signer := func(digest []byte) []byte { return keys.Sign(kp.Private, digest) }

	manager := NewRoundManager(cfg, id, signer, store, pool,
		&SimulatedObservationPool{SimulatedPool: pool}, cluster, nodeStorage,
		sender, SimulatedResolutionQueue{}, tipSelector, txChain, events, metrics)

	n := &testNode{
		id: id, store: store, pool: pool, cluster: cluster, node: nodeStorage,
		events: events, manager: manager, committed: make(chan *types.CheckpointBlock, 4),
	}
	events.Subscribe(types.EventRoundCommitted, func(e interfaces.Event) {
		n.committed <- e.Data().(*types.CheckpointBlock)
	})
	return n
}

func seedIdenticalGenesis(t *testing.T, nodes ...*testNode) {
	t.Helper()
	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	allocs := []Allocation{{Address: kp.Address, Balance: 100}}
	for _, n := range nodes {
		_, err := NewGenesisBuilder(n.store).Build(context.Background(), allocs)
		require.NoError(t, err)
	}
}

func waitForCommit(t *testing.T, n *testNode) *types.CheckpointBlock {
	t.Helper()
	select {
	case block := <-n.committed:
		return block
	case <-time.After(2 * time.Second):
		t.Fatalf("node %s: timed out waiting for round to commit", n.id)
		return nil
	}
}

func TestRoundManagerTwoNodeRoundConvergesOnIdenticalBlock(t *testing.T) {
	sender := NewSimulatedRemoteSender()
	cfg := DefaultConfig()

	a := newTestNode(t, "A", sender, cfg)
	b := newTestNode(t, "B", sender, cfg)
	sender.Register("A", a.manager)
	sender.Register("B", b.manager)

	seedIdenticalGenesis(t, a, b)

	a.cluster.AddPeer(interfaces.PeerData{ID: "B", Ready: true, Full: true})
	b.cluster.AddPeer(interfaces.PeerData{ID: "A", Ready: true, Full: true})

	tx := types.Transaction{Source: "alice", Destination: "bob", Amount: 1, ContentHash: "tx-1"}
	a.pool.AddTransaction(tx)

	_, err := a.manager.StartOwnRound(context.Background())
	require.NoError(t, err)

	committedA := waitForCommit(t, a)
	committedB := waitForCommit(t, b)

	assert.Equal(t, committedA.BaseHash, committedB.BaseHash)
	assert.Equal(t, committedA.SoeHash, committedB.SoeHash)
	require.Len(t, committedA.Transactions, 1)
	assert.Equal(t, "tx-1", committedA.Transactions[0].ContentHash)

	assert.True(t, a.store.IsCheckpointAccepted(committedA.SoeHash))
	assert.True(t, b.store.IsCheckpointAccepted(committedB.SoeHash))
}

func TestRoundManagerStartOwnRoundRejectsWrongNodeState(t *testing.T) {
	sender := NewSimulatedRemoteSender()
	cfg := DefaultConfig()
	a := newTestNode(t, "A", sender, cfg)
	sender.Register("A", a.manager)
	seedIdenticalGenesis(t, a)
	a.node.SetNodeState(types.NodeStateOffline)

	_, err := a.manager.StartOwnRound(context.Background())
	require.Error(t, err)
	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, ErrInvalidNodeState, roundErr.Kind)
}

func TestRoundManagerStartOwnRoundRejectsConcurrentOwnRound(t *testing.T) {
	sender := NewSimulatedRemoteSender()
	cfg := DefaultConfig()
	a := newTestNode(t, "A", sender, cfg)
	sender.Register("A", a.manager)
	seedIdenticalGenesis(t, a)

	// Occupy the single own-consensus slot directly, the same state
	// StartOwnRound itself would leave mid-flight, to exercise the
	// mutual-exclusion check deterministically rather than racing two
	// goroutines against it.
	a.manager.ownConsensus = &types.OwnConsensus{RoundID: "already-running"}

	_, err := a.manager.StartOwnRound(context.Background())
	require.Error(t, err)
	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, ErrOwnRoundAlreadyInProgress, roundErr.Kind)
}

func TestRoundManagerStartOwnRoundRetryableAfterFailedNotify(t *testing.T) {
	sender := NewSimulatedRemoteSender()
	cfg := DefaultConfig()
	a := newTestNode(t, "A", sender, cfg)
	b := newTestNode(t, "B", sender, cfg)
	sender.Register("A", a.manager)
	sender.Register("B", b.manager)
	seedIdenticalGenesis(t, a, b)
	a.cluster.AddPeer(interfaces.PeerData{ID: "B", Ready: true, Full: true})
	b.cluster.AddPeer(interfaces.PeerData{ID: "A", Ready: true, Full: true})

	// Leave the peer unacknowledged so the first attempt fails on
	// NotAllPeersParticipate; stopRound's cleanup on that path must free
	// the own-consensus slot so a second attempt is not spuriously
	// rejected as already-in-progress.
	sender.SetAck("B", false)
	_, err := a.manager.StartOwnRound(context.Background())
	require.Error(t, err)
	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, ErrNotAllPeersParticipate, roundErr.Kind)

	_, err = a.manager.StartOwnRound(context.Background())
	require.Error(t, err)
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, ErrNotAllPeersParticipate, roundErr.Kind)
}

func TestRoundManagerNoTipsForConsensusWithoutGenesis(t *testing.T) {
	sender := NewSimulatedRemoteSender()
	cfg := DefaultConfig()
	a := newTestNode(t, "A", sender, cfg)
	sender.Register("A", a.manager)

	_, err := a.manager.StartOwnRound(context.Background())
	require.Error(t, err)
	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, ErrNoTipsForConsensus, roundErr.Kind)
}

func TestRoundManagerCleanLongRunningEvictsStaleRound(t *testing.T) {
	sender := NewSimulatedRemoteSender()
	cfg := DefaultConfig()
	cfg.FormCheckpointBlocksTimeout = 1 * time.Millisecond
	a := newTestNode(t, "A", sender, cfg)
	b := newTestNode(t, "B", sender, cfg)
	sender.Register("A", a.manager)
	sender.Register("B", b.manager)
	seedIdenticalGenesis(t, a, b)
	a.cluster.AddPeer(interfaces.PeerData{ID: "B", Ready: true, Full: true})
	b.cluster.AddPeer(interfaces.PeerData{ID: "A", Ready: true, Full: true})

	sender.SetAck("B", false)
	_, err := a.manager.StartOwnRound(context.Background())
	require.Error(t, err)

	// NotAllPeersParticipate already stopped that round via stopRound, so
	// install a participated round directly, started well past the 1ms
	// timeout, for the sweep to evict.
	a.manager.mu.Lock()
	a.manager.consensuses["stale-round"] = &types.ConsensusInfo{RoundID: "stale-round", StartTimeMonotonic: time.Now().Add(-time.Second)}
	a.manager.mu.Unlock()

	a.manager.CleanLongRunning()

	a.manager.mu.Lock()
	_, stillActive := a.manager.consensuses["stale-round"]
	a.manager.mu.Unlock()
	assert.False(t, stillActive)
	assert.Equal(t, uint64(1), a.manager.metrics.Snapshot()["consensus_timeout"])
}

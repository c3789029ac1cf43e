package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/types"
)

func TestUnionTransactionsDedupsAndSorts(t *testing.T) {
	txA := types.Transaction{ContentHash: "b"}
	txB := types.Transaction{ContentHash: "a"}
	txDup := types.Transaction{ContentHash: "a"}

	proposals := []types.ConsensusDataProposal{
		{FacilitatorID: "f1", Transactions: []types.Transaction{txA, txB}},
		{FacilitatorID: "f2", Transactions: []types.Transaction{txDup}},
	}

	out := unionTransactions(proposals)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ContentHash)
	assert.Equal(t, "b", out[1].ContentHash)
}

func TestUnionTransactionsOrderIndependentOfArrival(t *testing.T) {
	txA := types.Transaction{ContentHash: "b"}
	txB := types.Transaction{ContentHash: "a"}

	forward := unionTransactions([]types.ConsensusDataProposal{
		{FacilitatorID: "f1", Transactions: []types.Transaction{txA}},
		{FacilitatorID: "f2", Transactions: []types.Transaction{txB}},
	})
	backward := unionTransactions([]types.ConsensusDataProposal{
		{FacilitatorID: "f2", Transactions: []types.Transaction{txB}},
		{FacilitatorID: "f1", Transactions: []types.Transaction{txA}},
	})
	assert.Equal(t, forward, backward)
}

func TestSelectCanonicalProposalPicksLowestBaseHash(t *testing.T) {
	proposals := map[types.NodeID]types.UnionBlockProposal{
		"f1": {FacilitatorID: "f1", SignedBlock: types.CheckpointBlock{BaseHash: "zzz"}},
		"f2": {FacilitatorID: "f2", SignedBlock: types.CheckpointBlock{BaseHash: "aaa"}},
		"f3": {FacilitatorID: "f3", SignedBlock: types.CheckpointBlock{BaseHash: "mmm"}},
	}
	best := selectCanonicalProposal(proposals)
	assert.Equal(t, "aaa", best.SignedBlock.BaseHash)
}

// stubSender records broadcasts without doing anything with them, enough
// to drive RoundProtocol's phase transitions in isolation from
// RoundManager.
type stubSender struct {
	unionBroadcasts    int
	selectedBroadcasts int
}

func (s *stubSender) NotifyFacilitators(context.Context, types.NotifyFacilitatorRequest) ([]bool, error) {
	return nil, nil
}
func (s *stubSender) BroadcastConsensusDataProposal(context.Context, []types.NodeID, types.ConsensusDataProposal) error {
	return nil
}
func (s *stubSender) BroadcastUnionBlockProposal(context.Context, []types.NodeID, types.UnionBlockProposal) error {
	s.unionBroadcasts++
	return nil
}
func (s *stubSender) BroadcastSelectedUnionBlock(context.Context, []types.NodeID, types.SelectedUnionBlock) error {
	s.selectedBroadcasts++
	return nil
}

func newTestProtocol(t *testing.T, facilitators []types.NodeID, self types.NodeID, sender *stubSender) *RoundProtocol {
	t.Helper()
	data := types.NewRoundData("round-1", facilitators, self, types.TipsSOE{MinHeight: 0})
	return NewRoundProtocol(data, self, nil, nil, sender, nil, nil,
		func(block *types.CheckpointBlock) {},
		func(ErrorKind, []types.Transaction, []types.Observation, error) {},
	)
}

func TestRoundProtocolBuffersOutOfPhaseMessages(t *testing.T) {
	facilitators := []types.NodeID{"f1", "f2"}
	sender := &stubSender{}
	proto := newTestProtocol(t, facilitators, "f1", sender)

	// A Phase 2 message arrives before Phase 1 completes: it must be
	// buffered, not discarded, and applied once Phase 1 finishes.
	early := types.UnionBlockProposal{RoundID: "round-1", FacilitatorID: "f2", SignedBlock: types.CheckpointBlock{BaseHash: "x"}}
	require.NoError(t, proto.HandleUnionBlockProposal(context.Background(), early))
	assert.Equal(t, PhaseWaitingForProposals, proto.Phase())

	// f1 proposes one transaction so the union is non-empty and Phase 1
	// completes instead of failing on an empty payload.
	require.NoError(t, proto.HandleConsensusDataProposal(context.Background(), types.ConsensusDataProposal{RoundID: "round-1", FacilitatorID: "f1", Transactions: []types.Transaction{{ContentHash: "tx1"}}}))
	require.NoError(t, proto.HandleConsensusDataProposal(context.Background(), types.ConsensusDataProposal{RoundID: "round-1", FacilitatorID: "f2"}))

	// Both proposals arrived, so Phase 1 -> Phase 2 and the buffered
	// message should have been drained automatically.
	assert.Equal(t, 1, sender.unionBroadcasts)
}

func TestRoundProtocolDiscardsStalePhaseMessages(t *testing.T) {
	facilitators := []types.NodeID{"f1", "f2"}
	sender := &stubSender{}
	proto := newTestProtocol(t, facilitators, "f1", sender)

	// A non-empty union lets Phase 1 advance rather than fail the round.
	require.NoError(t, proto.HandleConsensusDataProposal(context.Background(), types.ConsensusDataProposal{RoundID: "round-1", FacilitatorID: "f1", Transactions: []types.Transaction{{ContentHash: "tx1"}}}))
	require.NoError(t, proto.HandleConsensusDataProposal(context.Background(), types.ConsensusDataProposal{RoundID: "round-1", FacilitatorID: "f2"}))
	require.Equal(t, PhaseWaitingForBlockUnions, proto.Phase())

	// A second, duplicate Phase 1 message for a phase already passed
	// must be silently discarded rather than erroring.
	err := proto.HandleConsensusDataProposal(context.Background(), types.ConsensusDataProposal{RoundID: "round-1", FacilitatorID: "f1"})
	assert.NoError(t, err)
	assert.Equal(t, PhaseWaitingForBlockUnions, proto.Phase())
}

func TestRoundProtocolFailsOnEmptyUnionPayload(t *testing.T) {
	facilitators := []types.NodeID{"f1"}
	sender := &stubSender{}
	var failedKind ErrorKind
	var failed bool
	data := types.NewRoundData("round-1", facilitators, "f1", types.TipsSOE{
		SOE: [2]types.SignedObservationEdge{{}, {}},
	})
	proto := NewRoundProtocol(data, "f1", nil, nil, sender, nil, nil,
		func(block *types.CheckpointBlock) { t.Fatal("onComplete should not fire on an empty payload") },
		func(kind ErrorKind, txs []types.Transaction, obs []types.Observation, cause error) {
			failed = true
			failedKind = kind
		},
	)

	require.NoError(t, proto.HandleConsensusDataProposal(context.Background(), types.ConsensusDataProposal{RoundID: "round-1", FacilitatorID: "f1"}))

	require.True(t, failed)
	assert.Equal(t, ErrEmptyRoundPayload, failedKind)
	assert.Equal(t, PhaseFailed, proto.Phase())
	assert.Equal(t, 0, sender.unionBroadcasts)
}

func TestRoundProtocolStopIsIdempotentAndReturnsOwnInputs(t *testing.T) {
	facilitators := []types.NodeID{"f1", "f2"}
	sender := &stubSender{}
	data := types.NewRoundData("round-1", facilitators, "f1", types.TipsSOE{})
	ownTxs := []types.Transaction{{ContentHash: "tx1"}}
	proto := NewRoundProtocol(data, "f1", ownTxs, nil, sender, nil, nil, nil, nil)

	txs, obs := proto.Stop()
	assert.Equal(t, ownTxs, txs)
	assert.Nil(t, obs)
	assert.Equal(t, PhaseFailed, proto.Phase())

	txs, obs = proto.Stop()
	assert.Nil(t, txs)
	assert.Nil(t, obs)
}

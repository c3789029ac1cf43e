package consensus

import (
	"context"

	"dex/interfaces"
	"dex/types"
)

// TipSelector chooses the two parent tips and facilitator set a new round
// starts from (spec §4.3), grounded on the reference tree's own tip/parent
// bookkeeping in db's checkpoint acceptance pipeline.
type TipSelector struct {
	store   interfaces.CheckpointStore
	cluster interfaces.ClusterStorage
	self    types.NodeID
}

func NewTipSelector(store interfaces.CheckpointStore, cluster interfaces.ClusterStorage, self types.NodeID) *TipSelector {
	return &TipSelector{store: store, cluster: cluster, self: self}
}

// PullTips selects two currently-accepted tips and the facilitator set
// eligible to vouch for them. Returns ok=false when fewer than two eligible
// tips exist, per spec §4.3 ("returns None").
func (s *TipSelector) PullTips(ctx context.Context) (types.TipsSOE, []types.NodeID, bool) {
	tips := s.store.Tips()
	if len(tips) < 2 {
		return types.TipsSOE{}, nil, false
	}

	// Deterministic choice among the fringe: the two tips with the
	// smallest SoeHash, so independent nodes racing to start a round tend
	// to converge on the same parents when the fringe hasn't moved.
	a, b := tips[0], tips[1]
	if b.SoeHash < a.SoeHash {
		a, b = b, a
	}
	for _, t := range tips[2:] {
		if t.SoeHash < a.SoeHash {
			a, b = t, a
		} else if t.SoeHash < b.SoeHash {
			b = t
		}
	}

	minHeight := a.Height.Min
	if b.Height.Min < minHeight {
		minHeight = b.Height.Min
	}

	soe := types.TipsSOE{
		SOE: [2]types.SignedObservationEdge{
			{Edge: types.TypedEdgeHash{ReferencedHash: a.SoeHash, EdgeType: types.CheckpointHash, BaseHash: a.BaseHash}, Signatures: a.Signatures},
			{Edge: types.TypedEdgeHash{ReferencedHash: b.SoeHash, EdgeType: types.CheckpointHash, BaseHash: b.BaseHash}, Signatures: b.Signatures},
		},
		MinHeight: minHeight,
	}

	// Facilitators are the cluster's ready+full peers, plus this node,
	// intersected implicitly by the fact only ready+full peers are asked
	// to vouch for anything (spec §4.3: "reachable to vouch for those
	// tips, plus the local node").
	peers := s.cluster.GetReadyAndFullPeers()
	facilitators := make([]types.NodeID, 0, len(peers)+1)
	facilitators = append(facilitators, s.self)
	for id := range peers {
		if id == s.self {
			continue
		}
		facilitators = append(facilitators, id)
	}

	return soe, facilitators, true
}

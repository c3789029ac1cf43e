package types

import (
	"time"

	"github.com/RoaringBitmap/roaring"
)

// NodeState is the local node's lifecycle state, as reported by
// NodeStorage. Only a subset of states permit starting or joining a
// consensus round.
type NodeState int

const (
	NodeStateInitial NodeState = iota
	NodeStateStarting
	NodeStateReady
	NodeStateLeaving
	NodeStateOffline
)

func (s NodeState) String() string {
	switch s {
	case NodeStateInitial:
		return "Initial"
	case NodeStateStarting:
		return "Starting"
	case NodeStateReady:
		return "Ready"
	case NodeStateLeaving:
		return "Leaving"
	case NodeStateOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// CanStartOwnConsensus reports whether a node in this state may initiate a
// round.
func CanStartOwnConsensus(s NodeState) bool {
	return s == NodeStateReady
}

// CanParticipateConsensus reports whether a node in this state may join a
// round as a facilitator.
func CanParticipateConsensus(s NodeState) bool {
	return s == NodeStateReady || s == NodeStateLeaving
}

// TipsSOE bundles the two parent tips a round was started with, plus the
// minimum accepted height they were drawn from.
type TipsSOE struct {
	SOE       [2]SignedObservationEdge
	MinHeight uint64
}

// RoundData is the shared input/output record for one consensus round:
// who is facilitating, what was selected, and which parent tips it
// extends.
type RoundData struct {
	RoundID             RoundID
	Facilitators        []NodeID
	OwnFacilitatorID    NodeID
	SelectedTxs         []Transaction
	SelectedObs         []Observation
	Tips                TipsSOE
	InitiatorID         NodeID

	// ArrivedPeers tracks, by index into Facilitators, which facilitators
	// have been heard from in the round's current phase. Backed by a
	// compact bitmap since facilitator sets can run into the hundreds and
	// this is checked on every incoming message.
	ArrivedPeers *roaring.Bitmap
}

// NewRoundData builds a RoundData with an initialized, empty arrived-peers
// bitmap.
func NewRoundData(roundID RoundID, facilitators []NodeID, own NodeID, tips TipsSOE) *RoundData {
	return &RoundData{
		RoundID:          roundID,
		Facilitators:     facilitators,
		OwnFacilitatorID: own,
		Tips:             tips,
		ArrivedPeers:     roaring.New(),
	}
}

// FacilitatorIndex returns the position of id within Facilitators, or -1.
func (r *RoundData) FacilitatorIndex(id NodeID) int {
	for i, f := range r.Facilitators {
		if f == id {
			return i
		}
	}
	return -1
}

// MarkArrived records that the facilitator at the given index has
// delivered its message for the current phase.
func (r *RoundData) MarkArrived(index int) {
	if index < 0 {
		return
	}
	r.ArrivedPeers.Add(uint32(index))
}

// AllArrived reports whether every facilitator has been marked arrived.
func (r *RoundData) AllArrived() bool {
	return int(r.ArrivedPeers.GetCardinality()) >= len(r.Facilitators)
}

// ResetArrived clears the arrived-peers bitmap for a new phase.
func (r *RoundData) ResetArrived() {
	r.ArrivedPeers.Clear()
}

// ConsensusInfo tracks a round this node is participating in (whether
// self-initiated or joined), independent of the protocol state machine's
// internal phase.
type ConsensusInfo struct {
	RoundID           RoundID
	TipMinHeight      uint64
	StartTimeMonotonic time.Time
}

// OwnConsensus is the single slot tracking a round this node itself
// initiated. Info is nil between Generate-RoundId and the round's full
// installation.
type OwnConsensus struct {
	RoundID RoundID
	Info    *ConsensusInfo
}

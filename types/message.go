package types

// NodeID identifies a participant in the cluster, independent of its
// consensus Address (a node may rotate its signing key without losing its
// peer identity).
type NodeID string

func (id NodeID) String() string { return string(id) }

// RoundID is a universally unique 128-bit identifier for a consensus
// round. Generation lives in consensus.NewRoundID; this is the wire/storage
// representation.
type RoundID string

func (id RoundID) String() string { return string(id) }

// MessageType discriminates wire payloads exchanged between facilitators
// during a round.
type MessageType string

const (
	MsgConsensusDataProposal MessageType = "MsgConsensusDataProposal"
	MsgUnionBlockProposal    MessageType = "MsgUnionBlockProposal"
	MsgSelectedUnionBlock    MessageType = "MsgSelectedUnionBlock"
	MsgNotifyFacilitator     MessageType = "MsgNotifyFacilitator"
)

// ConsensusDataProposal is Phase 1's broadcast payload: one facilitator's
// proposed transactions and observations for the round.
type ConsensusDataProposal struct {
	RoundID       RoundID
	FacilitatorID NodeID
	Transactions  []Transaction
	Observations  []Observation
}

// UnionBlockProposal is Phase 2's broadcast payload: one facilitator's
// signed candidate block built from the Phase 1 union.
type UnionBlockProposal struct {
	RoundID       RoundID
	FacilitatorID NodeID
	SignedBlock   CheckpointBlock
}

// SelectedUnionBlock is Phase 3's broadcast payload: one facilitator's
// choice of the canonical union block, by base-hash.
type SelectedUnionBlock struct {
	RoundID          RoundID
	FacilitatorID    NodeID
	SelectedBaseHash string
}

// NotifyFacilitatorRequest is the unicast sent by a round initiator to each
// facilitator it wants to participate.
type NotifyFacilitatorRequest struct {
	RoundID      RoundID
	InitiatorID  NodeID
	Facilitators []NodeID
	TipsSOE      [2]SignedObservationEdge
	TipMinHeight uint64
}

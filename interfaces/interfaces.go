// Package interfaces defines the collaborator boundaries the consensus
// core depends on but does not implement: persistent checkpoint storage,
// the transaction/observation mempools, cluster membership, node state,
// the peer transport, and the checkpoint-resolution queue (spec §6). The
// consensus package is written entirely against these; default
// implementations live in db, txpool, network and sender.
package interfaces

import (
	"context"

	"dex/types"
)

// PeerData describes one cluster member as known to ClusterStorage.
type PeerData struct {
	ID       types.NodeID
	Address  string
	Ready    bool
	Full     bool
}

// CheckpointStore is the persistent DAG store: accepted checkpoint blocks,
// their acceptance pipeline, and query predicates the parent-resolution
// logic needs. Snapshotting and pruning are the store's own concern and
// are not exposed here.
type CheckpointStore interface {
	// StoreSOE persists a block's signed observation edge ahead of full
	// acceptance, so children can reference it as a tip candidate.
	StoreSOE(ctx context.Context, block *types.CheckpointBlock) error
	// Store persists an accepted block along with its derived
	// balance/address-cache effects.
	Store(ctx context.Context, block *types.CheckpointBlock) error
	// AddToAcceptance enqueues a locally-known-but-unaccepted block for
	// the acceptance pipeline to process.
	AddToAcceptance(ctx context.Context, block *types.CheckpointBlock) error

	IsCheckpointAccepted(hash string) bool
	GetCheckpoint(hash string) (*types.CheckpointBlock, bool)

	IsWaitingForResolving(hash string) bool
	IsCheckpointInAcceptance(hash string) bool
	IsCheckpointWaitingForAcceptance(hash string) bool
	IsCheckpointAwaiting(hash string) bool

	// Tips returns every currently accepted block with no accepted
	// children, i.e. the DAG's current fringe.
	Tips() []*types.CheckpointBlock

	// GetBalance reports an address's current balance as derived from
	// every accepted block's transactions, and whether the address has
	// ever been credited.
	GetBalance(addr types.Address) (uint64, bool)
}

// TransactionService and ObservationService are the pending pools the
// RoundManager pulls inputs from and returns them to on failure. They
// share a shape; two named interfaces keep call sites self-documenting.
type TransactionService interface {
	PullForConsensus(ctx context.Context, maxN uint32) ([]types.Transaction, error)
	ReturnToPending(ctx context.Context, hashes []string) error
	ClearInConsensus(ctx context.Context, hashes []string) error
	Accept(ctx context.Context, tx types.Transaction) error
}

type ObservationService interface {
	PullForConsensus(ctx context.Context, maxN uint32) ([]types.Observation, error)
	ReturnToPending(ctx context.Context, hashes []string) error
	ClearInConsensus(ctx context.Context, hashes []string) error
	Accept(ctx context.Context, obs types.Observation) error
}

// ClusterStorage exposes cluster membership as known to this node.
type ClusterStorage interface {
	GetPeers() map[types.NodeID]PeerData
	GetReadyAndFullPeers() map[types.NodeID]PeerData
}

// NodeStorage exposes this node's own lifecycle state.
type NodeStorage interface {
	GetNodeState() types.NodeState
}

// RemoteSender is the outbound half of the wire transport: notifying a
// freshly-formed facilitator set, and broadcasting each phase's payload to
// it.
type RemoteSender interface {
	// NotifyFacilitators unicasts the round-start notification to every
	// facilitator and reports, in Facilitators order, whether each
	// acknowledged.
	NotifyFacilitators(ctx context.Context, req types.NotifyFacilitatorRequest) ([]bool, error)

	BroadcastConsensusDataProposal(ctx context.Context, peers []types.NodeID, msg types.ConsensusDataProposal) error
	BroadcastUnionBlockProposal(ctx context.Context, peers []types.NodeID, msg types.UnionBlockProposal) error
	BroadcastSelectedUnionBlock(ctx context.Context, peers []types.NodeID, msg types.SelectedUnionBlock) error
}

// CheckpointResolutionQueue accepts hashes this node doesn't yet have and
// resolves them out-of-band (fetch from a peer, validate, hand to
// CheckpointStore), invoking onResolved when done.
type CheckpointResolutionQueue interface {
	EnqueueCheckpoint(ctx context.Context, hash string, hint types.NodeID, onResolved func(*types.CheckpointBlock)) error
}

// EventBus is the round-lifecycle publish/subscribe seam described in
// SPEC_FULL.md; RoundManager publishes to it, nothing in the consensus
// core subscribes.
type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}

type EventHandler func(Event)

type Event interface {
	Type() types.EventType
	Data() interface{}
}

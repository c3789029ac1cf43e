package consensus

import (
	"errors"
	"fmt"

	"dex/types"
)

// ErrorKind classifies a round-lifecycle failure per spec §7. Every kind
// except InvalidNodeState and OwnRoundAlreadyInProgress triggers a
// stopRound that returns the round's unreturned inputs to their mempools.
type ErrorKind int

const (
	ErrInvalidNodeState ErrorKind = iota
	ErrOwnRoundAlreadyInProgress
	ErrNoTipsForConsensus
	ErrNoPeersForConsensus
	ErrNotAllPeersParticipate
	ErrMissingParents
	ErrConsensusError
	ErrSnapshotHeightAboveTip
	ErrEmptyRoundPayload
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidNodeState:
		return "InvalidNodeState"
	case ErrOwnRoundAlreadyInProgress:
		return "OwnRoundAlreadyInProgress"
	case ErrNoTipsForConsensus:
		return "NoTipsForConsensus"
	case ErrNoPeersForConsensus:
		return "NoPeersForConsensus"
	case ErrNotAllPeersParticipate:
		return "NotAllPeersParticipate"
	case ErrMissingParents:
		return "MissingParents"
	case ErrConsensusError:
		return "ConsensusError"
	case ErrSnapshotHeightAboveTip:
		return "SnapshotHeightAboveTip"
	case ErrEmptyRoundPayload:
		return "EmptyRoundPayload"
	default:
		return "Unknown"
	}
}

// recoverable reports whether this kind is recovered locally by stopping
// the round, as opposed to InvalidNodeState/OwnRoundAlreadyInProgress
// which surface without consuming any inputs.
func (k ErrorKind) recoverable() bool {
	switch k {
	case ErrInvalidNodeState, ErrOwnRoundAlreadyInProgress:
		return false
	default:
		return true
	}
}

// RoundError is the classified error every RoundManager operation returns
// on failure. It carries whatever transactions/observations still need to
// be returned to pending pools so the caller (or stopRound itself) can act
// on them without a second lookup.
type RoundError struct {
	Kind         ErrorKind
	RoundID      types.RoundID
	Unreturned   struct {
		Transactions []types.Transaction
		Observations []types.Observation
	}
	Cause error
}

func (e *RoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("round %s: %s: %v", e.RoundID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("round %s: %s", e.RoundID, e.Kind)
}

func (e *RoundError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &RoundError{Kind: ErrConsensusError}) match any
// *RoundError of the same Kind, whatever its round context — callers
// compare on Kind, not identity. A bare ErrorKind is not an error value
// and cannot be the target.
func (e *RoundError) Is(target error) bool {
	var other *RoundError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newRoundError(kind ErrorKind, roundID types.RoundID, txs []types.Transaction, obs []types.Observation, cause error) *RoundError {
	e := &RoundError{Kind: kind, RoundID: roundID, Cause: cause}
	e.Unreturned.Transactions = txs
	e.Unreturned.Observations = obs
	return e
}

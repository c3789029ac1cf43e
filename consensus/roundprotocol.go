package consensus

import (
	"context"
	"sort"
	"sync"

	"dex/interfaces"
	"dex/keys"
	"dex/types"
)

// BlockSigner signs a block's base-hash with this facilitator's own key,
// the way GenesisBuilder.signAndSeal signs the coinbase blocks.
type BlockSigner func(digest []byte) []byte

// Phase is one of the three-phase protocol's states (spec §4.2).
type Phase int

const (
	PhaseWaitingForProposals Phase = iota
	PhaseWaitingForBlockUnions
	PhaseWaitingForSelection
	PhaseCommitted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForProposals:
		return "WaitingForProposals"
	case PhaseWaitingForBlockUnions:
		return "WaitingForBlockUnions"
	case PhaseWaitingForSelection:
		return "WaitingForSelection"
	case PhaseCommitted:
		return "Committed"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// inboundMessage is the common envelope RoundProtocol buffers when a
// message addressed to a future phase arrives before the transition (spec
// §4.2 "Ordering guarantee").
type inboundMessage struct {
	phase Phase
	msg   interface{}
}

// OnRoundComplete is invoked exactly once, with the committed block, when
// all facilitators agree on a selection.
type OnRoundComplete func(block *types.CheckpointBlock)

// OnRoundFailed is invoked exactly once when the round cannot proceed,
// carrying the facilitator's own (not unioned) transactions/observations to
// return to pending pools, per spec §4.2's cancellation semantics.
type OnRoundFailed func(kind ErrorKind, txs []types.Transaction, obs []types.Observation, cause error)

// RoundProtocol drives one round's three-phase block-selection state
// machine. It is logically single-threaded: every exported method takes
// the protocol's own mutex, so concurrent transport deliveries serialize
// exactly as the spec's "actor/mailbox" model requires.
type RoundProtocol struct {
	mu sync.Mutex

	data   *types.RoundData
	self   types.NodeID
	sender interfaces.RemoteSender
	signer BlockSigner
	metric *Metrics

	phase Phase

	ownTxs []types.Transaction
	ownObs []types.Observation

	proposals      map[types.NodeID]types.ConsensusDataProposal
	blockProposals map[types.NodeID]types.UnionBlockProposal
	selections     map[types.NodeID]types.SelectedUnionBlock

	inbox []inboundMessage

	onComplete OnRoundComplete
	onFailed   OnRoundFailed
}

func NewRoundProtocol(
	data *types.RoundData,
	self types.NodeID,
	ownTxs []types.Transaction,
	ownObs []types.Observation,
	sender interfaces.RemoteSender,
	signer BlockSigner,
	metric *Metrics,
	onComplete OnRoundComplete,
	onFailed OnRoundFailed,
) *RoundProtocol {
	return &RoundProtocol{
		data:           data,
		self:           self,
		sender:         sender,
		signer:         signer,
		metric:         metric,
		phase:          PhaseWaitingForProposals,
		ownTxs:         ownTxs,
		ownObs:         ownObs,
		proposals:      make(map[types.NodeID]types.ConsensusDataProposal),
		blockProposals: make(map[types.NodeID]types.UnionBlockProposal),
		selections:     make(map[types.NodeID]types.SelectedUnionBlock),
		onComplete:     onComplete,
		onFailed:       onFailed,
	}
}

// Start broadcasts this facilitator's Phase 1 proposal and records it
// locally.
func (p *RoundProtocol) Start(ctx context.Context) error {
	proposal := types.ConsensusDataProposal{
		RoundID:       p.data.RoundID,
		FacilitatorID: p.self,
		Transactions:  p.ownTxs,
		Observations:  p.ownObs,
	}
	if err := p.sender.BroadcastConsensusDataProposal(ctx, p.data.Facilitators, proposal); err != nil {
		return err
	}
	return p.HandleConsensusDataProposal(ctx, proposal)
}

// HandleConsensusDataProposal processes one facilitator's Phase 1 message.
func (p *RoundProtocol) HandleConsensusDataProposal(ctx context.Context, msg types.ConsensusDataProposal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatch(ctx, PhaseWaitingForProposals, msg)
}

// HandleUnionBlockProposal processes one facilitator's Phase 2 message.
func (p *RoundProtocol) HandleUnionBlockProposal(ctx context.Context, msg types.UnionBlockProposal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatch(ctx, PhaseWaitingForBlockUnions, msg)
}

// HandleSelectedUnionBlock processes one facilitator's Phase 3 message.
func (p *RoundProtocol) HandleSelectedUnionBlock(ctx context.Context, msg types.SelectedUnionBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatch(ctx, PhaseWaitingForSelection, msg)
}

// Phase reports the protocol's current state.
func (p *RoundProtocol) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Stop transitions the protocol to Failed from the outside (an external
// stopRound, e.g. a timeout sweep) and reports the facilitator's own
// inputs — not the union — for return to pending pools. Idempotent: a
// second Stop on an already-terminal protocol is a no-op.
func (p *RoundProtocol) Stop() ([]types.Transaction, []types.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseCommitted || p.phase == PhaseFailed {
		return nil, nil
	}
	p.phase = PhaseFailed
	return p.ownTxs, p.ownObs
}

// dispatch applies the ordering guarantee: a message for an earlier phase
// than the current one is discarded, a message for a later phase is
// buffered, and a message for the current phase is processed immediately
// (then the inbox is drained in case the processing advanced the phase).
func (p *RoundProtocol) dispatch(ctx context.Context, msgPhase Phase, msg interface{}) error {
	if p.phase == PhaseCommitted || p.phase == PhaseFailed {
		if p.metric != nil {
			p.metric.IncDiscardedMessage("post_terminal")
		}
		return nil
	}
	if msgPhase < p.phase {
		if p.metric != nil {
			p.metric.IncDiscardedMessage("stale_phase")
		}
		return nil
	}
	if msgPhase > p.phase {
		p.inbox = append(p.inbox, inboundMessage{phase: msgPhase, msg: msg})
		return nil
	}

	if err := p.apply(ctx, msg); err != nil {
		return err
	}
	return p.drainInbox(ctx)
}

func (p *RoundProtocol) drainInbox(ctx context.Context) error {
	for {
		var next *inboundMessage
		remaining := p.inbox[:0]
		for i := range p.inbox {
			if next == nil && p.inbox[i].phase == p.phase {
				m := p.inbox[i]
				next = &m
				continue
			}
			remaining = append(remaining, p.inbox[i])
		}
		p.inbox = remaining
		if next == nil {
			return nil
		}
		if err := p.apply(ctx, next.msg); err != nil {
			return err
		}
	}
}

func (p *RoundProtocol) apply(ctx context.Context, msg interface{}) error {
	switch m := msg.(type) {
	case types.ConsensusDataProposal:
		return p.applyProposal(ctx, m)
	case types.UnionBlockProposal:
		return p.applyBlockProposal(ctx, m)
	case types.SelectedUnionBlock:
		return p.applySelection(ctx, m)
	}
	return nil
}

func (p *RoundProtocol) applyProposal(ctx context.Context, msg types.ConsensusDataProposal) error {
	idx := p.data.FacilitatorIndex(msg.FacilitatorID)
	if idx < 0 {
		return nil
	}
	if _, ok := p.proposals[msg.FacilitatorID]; ok {
		return nil
	}
	p.proposals[msg.FacilitatorID] = msg
	p.data.MarkArrived(idx)
	if !p.data.AllArrived() {
		return nil
	}

	all := make([]types.ConsensusDataProposal, 0, len(p.proposals))
	for _, prop := range p.proposals {
		all = append(all, prop)
	}
	p.data.SelectedTxs = unionTransactions(all)
	p.data.SelectedObs = unionObservations(all)

	// §8 boundary policy: an empty payload is only permitted when at
	// least one observation or dummy transaction carries it forward; a
	// union with nothing at all fails the round instead of sealing a
	// vacuous block.
	if len(p.data.SelectedTxs) == 0 && len(p.data.SelectedObs) == 0 {
		p.phase = PhaseFailed
		if p.metric != nil {
			p.metric.IncRoundError(ErrEmptyRoundPayload)
		}
		if p.onFailed != nil {
			p.onFailed(ErrEmptyRoundPayload, p.ownTxs, p.ownObs, nil)
		}
		return nil
	}

	p.phase = PhaseWaitingForBlockUnions
	p.data.ResetArrived()

	block := &types.CheckpointBlock{
		Transactions: p.data.SelectedTxs,
		Observations: p.data.SelectedObs,
		ParentTips:   [2]types.TypedEdgeHash{p.data.Tips.SOE[0].Edge, p.data.Tips.SOE[1].Edge},
		Height:       types.Height{Min: p.data.Tips.MinHeight + 1, Max: p.data.Tips.MinHeight + 1},
	}
	// BaseHash/SoeHash are content hashes over the unioned payload, so
	// every facilitator that agrees on the union computes the identical
	// value independently; only the signature differs per facilitator.
	block.BaseHash = keys.HashBlockBase(block)
	if p.signer != nil {
		block.Signatures = [][]byte{p.signer([]byte(block.BaseHash))}
	}
	block.SoeHash = keys.HashSOE(block.BaseHash, block.ParentTips[0])

	own := types.UnionBlockProposal{
		RoundID:       p.data.RoundID,
		FacilitatorID: p.self,
		SignedBlock:   *block,
	}
	if err := p.sender.BroadcastUnionBlockProposal(ctx, p.data.Facilitators, own); err != nil {
		return err
	}
	return p.applyBlockProposal(ctx, own)
}

func (p *RoundProtocol) applyBlockProposal(ctx context.Context, msg types.UnionBlockProposal) error {
	idx := p.data.FacilitatorIndex(msg.FacilitatorID)
	if idx < 0 {
		return nil
	}
	if _, ok := p.blockProposals[msg.FacilitatorID]; ok {
		return nil
	}
	p.blockProposals[msg.FacilitatorID] = msg
	p.data.MarkArrived(idx)
	if !p.data.AllArrived() {
		return nil
	}

	selected := selectCanonicalProposal(p.blockProposals)

	p.phase = PhaseWaitingForSelection
	p.data.ResetArrived()

	own := types.SelectedUnionBlock{
		RoundID:          p.data.RoundID,
		FacilitatorID:    p.self,
		SelectedBaseHash: selected.SignedBlock.BaseHash,
	}
	if err := p.sender.BroadcastSelectedUnionBlock(ctx, p.data.Facilitators, own); err != nil {
		return err
	}
	return p.applySelection(ctx, own)
}

// selectCanonicalProposal picks the proposal whose base-hash sorts first,
// breaking ties by facilitator id ascending (spec §4.2 Phase 2).
func selectCanonicalProposal(proposals map[types.NodeID]types.UnionBlockProposal) types.UnionBlockProposal {
	ids := make([]types.NodeID, 0, len(proposals))
	for id := range proposals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best := proposals[ids[0]]
	for _, id := range ids[1:] {
		candidate := proposals[id]
		if candidate.SignedBlock.BaseHash < best.SignedBlock.BaseHash {
			best = candidate
		}
	}
	return best
}

func (p *RoundProtocol) applySelection(ctx context.Context, msg types.SelectedUnionBlock) error {
	idx := p.data.FacilitatorIndex(msg.FacilitatorID)
	if idx < 0 {
		return nil
	}
	if _, ok := p.selections[msg.FacilitatorID]; ok {
		return nil
	}
	p.selections[msg.FacilitatorID] = msg
	p.data.MarkArrived(idx)
	if !p.data.AllArrived() {
		return nil
	}

	first := msg.SelectedBaseHash
	unanimous := true
	for _, sel := range p.selections {
		if sel.SelectedBaseHash != first {
			unanimous = false
			break
		}
	}
	if !unanimous {
		p.phase = PhaseFailed
		if p.metric != nil {
			p.metric.IncRoundError(ErrConsensusError)
		}
		if p.onFailed != nil {
			p.onFailed(ErrConsensusError, p.ownTxs, p.ownObs, nil)
		}
		return nil
	}

	chosen, ok := p.blockProposals[chosenFacilitator(p.blockProposals, first)]
	if !ok {
		p.phase = PhaseFailed
		if p.onFailed != nil {
			p.onFailed(ErrConsensusError, p.ownTxs, p.ownObs, nil)
		}
		return nil
	}

	block := chosen.SignedBlock
	sigs := make([][]byte, 0, len(p.blockProposals))
	for _, bp := range p.blockProposals {
		if bp.SignedBlock.BaseHash == first {
			sigs = append(sigs, bp.SignedBlock.Signatures...)
		}
	}
	block.Signatures = sigs

	p.phase = PhaseCommitted
	if p.onComplete != nil {
		p.onComplete(&block)
	}
	return nil
}

func chosenFacilitator(proposals map[types.NodeID]types.UnionBlockProposal, baseHash string) types.NodeID {
	for id, bp := range proposals {
		if bp.SignedBlock.BaseHash == baseHash {
			return id
		}
	}
	return ""
}

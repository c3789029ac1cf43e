package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"dex/interfaces"
	"dex/types"
)

// RoundManager tracks every active consensus round on this node — at most
// one self-initiated, any number participated in — enforces the mutual
// exclusion and table invariants of spec §3-5, and is the sole owner of
// the round tables and the pre-installation proposal buffer.
type RoundManager struct {
	// mu is the single-holder "semaphore" spec §4.1 describes: it guards
	// only the in-memory round-table/slot mutations, never a suspension
	// point (network, storage, mempool).
	mu sync.Mutex

	consensuses  map[types.RoundID]*types.ConsensusInfo
	ownConsensus *types.OwnConsensus

	protocols map[types.RoundID]*RoundProtocol
	roundData map[types.RoundID]*types.RoundData

	// proposals buffers messages that arrive for a round-id not yet
	// installed locally (addMissedProposal), expiring per
	// config.ProposalCacheTTL.
	proposals *expirable.LRU[types.RoundID, []interface{}]

	config *Config
	self   types.NodeID
	signer BlockSigner

	store           interfaces.CheckpointStore
	txSvc           interfaces.TransactionService
	obsSvc          interfaces.ObservationService
	cluster         interfaces.ClusterStorage
	nodeStorage     interfaces.NodeStorage
	sender          interfaces.RemoteSender
	resolutionQueue interfaces.CheckpointResolutionQueue
	tipSelector     *TipSelector
	txChain         *TxChain
	events          interfaces.EventBus
	metrics         *Metrics

	stopCh chan struct{}
}

func NewRoundManager(
	cfg *Config,
	self types.NodeID,
	signer BlockSigner,
	store interfaces.CheckpointStore,
	txSvc interfaces.TransactionService,
	obsSvc interfaces.ObservationService,
	cluster interfaces.ClusterStorage,
	nodeStorage interfaces.NodeStorage,
	sender interfaces.RemoteSender,
	resolutionQueue interfaces.CheckpointResolutionQueue,
	tipSelector *TipSelector,
	txChain *TxChain,
	events interfaces.EventBus,
	metrics *Metrics,
) *RoundManager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RoundManager{
		consensuses:     make(map[types.RoundID]*types.ConsensusInfo),
		protocols:       make(map[types.RoundID]*RoundProtocol),
		roundData:       make(map[types.RoundID]*types.RoundData),
		proposals:       expirable.NewLRU[types.RoundID, []interface{}](4096, nil, cfg.ProposalCacheTTL),
		config:          cfg,
		self:            self,
		signer:          signer,
		store:           store,
		txSvc:           txSvc,
		obsSvc:          obsSvc,
		cluster:         cluster,
		nodeStorage:     nodeStorage,
		sender:          sender,
		resolutionQueue: resolutionQueue,
		tipSelector:     tipSelector,
		txChain:         txChain,
		events:          events,
		metrics:         metrics,
		stopCh:          make(chan struct{}),
	}
}

// StartOwnRound begins a locally-initiated round: pulls inputs, resolves
// parents, notifies the facilitator set, and starts the protocol's Phase 1.
// Spec §4.1.
func (m *RoundManager) StartOwnRound(ctx context.Context) (*types.ConsensusInfo, error) {
	roundID := NewRoundID()

	m.mu.Lock()
	state := m.nodeStorage.GetNodeState()
	if !types.CanStartOwnConsensus(state) {
		m.mu.Unlock()
		return nil, newRoundError(ErrInvalidNodeState, roundID, nil, nil, nil)
	}
	if m.ownConsensus != nil {
		m.mu.Unlock()
		return nil, newRoundError(ErrOwnRoundAlreadyInProgress, roundID, nil, nil, nil)
	}
	m.ownConsensus = &types.OwnConsensus{RoundID: roundID}
	m.mu.Unlock()

	tips, facilitators, ok := m.tipSelector.PullTips(ctx)
	if !ok {
		m.stopRound(roundID, nil, nil)
		return nil, newRoundError(ErrNoTipsForConsensus, roundID, nil, nil, nil)
	}
	if len(facilitators) == 0 {
		m.stopRound(roundID, nil, nil)
		return nil, newRoundError(ErrNoPeersForConsensus, roundID, nil, nil, nil)
	}

	var txs []types.Transaction
	var obs []types.Observation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		txs, err = m.txSvc.PullForConsensus(gctx, m.config.MaxTransactionThreshold)
		return err
	})
	g.Go(func() error {
		var err error
		obs, err = m.obsSvc.PullForConsensus(gctx, m.config.MaxObservationThreshold)
		return err
	})
	if err := g.Wait(); err != nil {
		m.stopRound(roundID, txs, obs)
		return nil, newRoundError(ErrConsensusError, roundID, txs, obs, err)
	}

	if err := m.resolveParents(ctx, roundID, tips, m.self); err != nil {
		m.stopRound(roundID, txs, obs)
		return nil, err
	}

	info := &types.ConsensusInfo{RoundID: roundID, TipMinHeight: tips.MinHeight, StartTimeMonotonic: time.Now()}
	data := types.NewRoundData(roundID, facilitators, m.self, tips)
	data.InitiatorID = m.self

	protocol := m.newProtocol(data, txs, obs)

	m.mu.Lock()
	m.ownConsensus.Info = info
	m.roundData[roundID] = data
	m.protocols[roundID] = protocol
	buffered, _ := m.proposals.Get(roundID)
	m.proposals.Remove(roundID)
	m.mu.Unlock()

	acks, err := m.sender.NotifyFacilitators(ctx, types.NotifyFacilitatorRequest{
		RoundID:      roundID,
		InitiatorID:  m.self,
		Facilitators: facilitators,
		TipsSOE:      tips.SOE,
		TipMinHeight: tips.MinHeight,
	})
	if err != nil {
		m.stopRound(roundID, txs, obs)
		return nil, newRoundError(ErrNotAllPeersParticipate, roundID, txs, obs, err)
	}
	for _, ok := range acks {
		if !ok {
			m.stopRound(roundID, txs, obs)
			return nil, newRoundError(ErrNotAllPeersParticipate, roundID, txs, obs, nil)
		}
	}

	if m.events != nil {
		m.events.PublishAsync(types.BaseEvent{EventType: types.EventRoundStarted, EventData: roundID})
	}

	if err := protocol.Start(ctx); err != nil {
		m.stopRound(roundID, txs, obs)
		return nil, newRoundError(ErrConsensusError, roundID, txs, obs, err)
	}
	m.replayBuffered(ctx, protocol, buffered)

	return info, nil
}

// ParticipateInRound installs a round this node was notified about as a
// facilitator, adjusting the facilitator set and replaying any proposals
// that arrived before installation. Spec §4.1.
func (m *RoundManager) ParticipateInRound(ctx context.Context, req types.NotifyFacilitatorRequest) (*types.ConsensusInfo, error) {
	state := m.nodeStorage.GetNodeState()
	if !types.CanParticipateConsensus(state) {
		return nil, newRoundError(ErrInvalidNodeState, req.RoundID, nil, nil, nil)
	}

	facilitators := adjustFacilitators(req.Facilitators, req.InitiatorID, m.self)
	if _, ok := m.cluster.GetPeers()[req.InitiatorID]; req.InitiatorID != m.self && !ok {
		return nil, newRoundError(ErrNoPeersForConsensus, req.RoundID, nil, nil, nil)
	}

	tips := types.TipsSOE{SOE: req.TipsSOE, MinHeight: req.TipMinHeight}
	if err := m.resolveParents(ctx, req.RoundID, tips, req.InitiatorID); err != nil {
		return nil, err
	}

	var txs []types.Transaction
	var obs []types.Observation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		txs, err = m.txSvc.PullForConsensus(gctx, m.config.MaxTransactionThreshold)
		return err
	})
	g.Go(func() error {
		var err error
		obs, err = m.obsSvc.PullForConsensus(gctx, m.config.MaxObservationThreshold)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, newRoundError(ErrConsensusError, req.RoundID, txs, obs, err)
	}

	info := &types.ConsensusInfo{RoundID: req.RoundID, TipMinHeight: tips.MinHeight, StartTimeMonotonic: time.Now()}
	data := types.NewRoundData(req.RoundID, facilitators, m.self, tips)
	data.InitiatorID = req.InitiatorID

	protocol := m.newProtocol(data, txs, obs)

	m.mu.Lock()
	m.consensuses[req.RoundID] = info
	m.roundData[req.RoundID] = data
	m.protocols[req.RoundID] = protocol
	buffered, _ := m.proposals.Get(req.RoundID)
	m.proposals.Remove(req.RoundID)
	m.mu.Unlock()

	if m.events != nil {
		m.events.PublishAsync(types.BaseEvent{EventType: types.EventRoundParticipating, EventData: req.RoundID})
	}

	if err := protocol.Start(ctx); err != nil {
		m.stopRound(req.RoundID, txs, obs)
		return nil, newRoundError(ErrConsensusError, req.RoundID, txs, obs, err)
	}
	m.replayBuffered(ctx, protocol, buffered)

	return info, nil
}

// adjustFacilitators drops duplicate entries and ensures both the
// initiator and this node are present: the list a RoundProtocol counts
// arrivals against includes the local node, whose own message is one of
// those each phase waits for.
func adjustFacilitators(facilitators []types.NodeID, initiator, self types.NodeID) []types.NodeID {
	seen := make(map[types.NodeID]struct{}, len(facilitators)+2)
	out := make([]types.NodeID, 0, len(facilitators)+1)
	for _, id := range facilitators {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if _, ok := seen[initiator]; !ok {
		out = append(out, initiator)
	}
	if _, ok := seen[self]; !ok {
		out = append(out, self)
	}
	return out
}

// RouteMessage delivers an incoming wire message to its round's protocol,
// or buffers it via addMissedProposal if the round isn't installed yet.
func (m *RoundManager) RouteMessage(ctx context.Context, roundID types.RoundID, msg interface{}) error {
	m.mu.Lock()
	protocol, ok := m.protocols[roundID]
	if !ok {
		m.addMissedProposalLocked(roundID, msg)
		m.mu.Unlock()
		if m.events != nil {
			m.events.PublishAsync(types.BaseEvent{EventType: types.EventProposalBuffered, EventData: roundID})
		}
		return nil
	}
	m.mu.Unlock()

	switch v := msg.(type) {
	case types.ConsensusDataProposal:
		return protocol.HandleConsensusDataProposal(ctx, v)
	case types.UnionBlockProposal:
		return protocol.HandleUnionBlockProposal(ctx, v)
	case types.SelectedUnionBlock:
		return protocol.HandleSelectedUnionBlock(ctx, v)
	}
	return nil
}

// addMissedProposal appends msg to the pre-installation buffer for
// roundID. Spec §4.1 "addMissedProposal".
func (m *RoundManager) addMissedProposal(roundID types.RoundID, msg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addMissedProposalLocked(roundID, msg)
}

func (m *RoundManager) addMissedProposalLocked(roundID types.RoundID, msg interface{}) {
	existing, _ := m.proposals.Get(roundID)
	existing = append(existing, msg)
	m.proposals.Add(roundID, existing)
}

func (m *RoundManager) replayBuffered(ctx context.Context, protocol *RoundProtocol, buffered []interface{}) {
	for _, msg := range buffered {
		switch v := msg.(type) {
		case types.ConsensusDataProposal:
			_ = protocol.HandleConsensusDataProposal(ctx, v)
		case types.UnionBlockProposal:
			_ = protocol.HandleUnionBlockProposal(ctx, v)
		case types.SelectedUnionBlock:
			_ = protocol.HandleSelectedUnionBlock(ctx, v)
		}
	}
}

// StopRound removes roundID from both tables and the proposal buffer, and
// returns the supplied inputs to their pending pools. Idempotent. Spec
// §4.1 "stopRound".
func (m *RoundManager) StopRound(roundID types.RoundID, txs []types.Transaction, obs []types.Observation) {
	m.stopRound(roundID, txs, obs)
}

func (m *RoundManager) stopRound(roundID types.RoundID, txs []types.Transaction, obs []types.Observation) {
	m.mu.Lock()
	if m.ownConsensus != nil && m.ownConsensus.RoundID == roundID {
		m.ownConsensus = nil
	}
	delete(m.consensuses, roundID)
	delete(m.protocols, roundID)
	delete(m.roundData, roundID)
	m.proposals.Remove(roundID)
	m.mu.Unlock()

	m.returnInputs(context.Background(), txs, obs)
}

func (m *RoundManager) returnInputs(ctx context.Context, txs []types.Transaction, obs []types.Observation) {
	if len(txs) > 0 {
		hashes := make([]string, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.ContentHash
		}
		_ = m.txSvc.ReturnToPending(ctx, hashes)
		_ = m.txSvc.ClearInConsensus(ctx, hashes)
	}
	if len(obs) > 0 {
		hashes := make([]string, len(obs))
		for i, o := range obs {
			hashes[i] = o.ContentHash
		}
		_ = m.obsSvc.ReturnToPending(ctx, hashes)
		_ = m.obsSvc.ClearInConsensus(ctx, hashes)
	}
}

// CleanLongRunning evicts every round whose age exceeds the configured
// timeout. The sole liveness-recovery mechanism (spec §5).
func (m *RoundManager) CleanLongRunning() {
	now := time.Now()
	timeout := m.config.FormCheckpointBlocksTimeout

	m.mu.Lock()
	var stale []types.RoundID
	if m.ownConsensus != nil && m.ownConsensus.Info != nil && now.Sub(m.ownConsensus.Info.StartTimeMonotonic) > timeout {
		stale = append(stale, m.ownConsensus.RoundID)
	}
	for id, info := range m.consensuses {
		if now.Sub(info.StartTimeMonotonic) > timeout {
			stale = append(stale, id)
		}
	}
	protocols := make(map[types.RoundID]*RoundProtocol, len(stale))
	for _, id := range stale {
		if p, ok := m.protocols[id]; ok {
			protocols[id] = p
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		var txs []types.Transaction
		var obs []types.Observation
		if p, ok := protocols[id]; ok {
			txs, obs = p.Stop()
		}
		m.stopRound(id, txs, obs)
		if m.metrics != nil {
			m.metrics.IncTimeout()
		}
		if m.events != nil {
			m.events.PublishAsync(types.BaseEvent{EventType: types.EventRoundTimedOut, EventData: id})
		}
	}
}

// Run starts the periodic cleanLongRunning sweep; it returns when ctx is
// canceled or Terminate is called.
func (m *RoundManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.CleanLongRunningInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CleanLongRunning()
		}
	}
}

// Terminate sleeps the configured grace period, then force-stops every
// active round. Spec §4.1 "terminateAll".
func (m *RoundManager) Terminate() {
	close(m.stopCh)
	time.Sleep(m.config.TerminateGracePeriod)

	m.mu.Lock()
	ids := make([]types.RoundID, 0, len(m.consensuses)+1)
	if m.ownConsensus != nil {
		ids = append(ids, m.ownConsensus.RoundID)
	}
	for id := range m.consensuses {
		ids = append(ids, id)
	}
	protocols := make(map[types.RoundID]*RoundProtocol, len(ids))
	for _, id := range ids {
		if p, ok := m.protocols[id]; ok {
			protocols[id] = p
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		var txs []types.Transaction
		var obs []types.Observation
		if p, ok := protocols[id]; ok {
			txs, obs = p.Stop()
		}
		m.stopRound(id, txs, obs)
	}
}

// resolveParents implements spec §4.1.1: partitions the two tip hashes
// into accepted/known-unaccepted/missing, enqueues known-unaccepted blocks
// for acceptance, enqueues genuinely missing hashes for resolution, and
// fails MissingParents if any hash was genuinely missing.
func (m *RoundManager) resolveParents(ctx context.Context, roundID types.RoundID, tips types.TipsSOE, hintPeer types.NodeID) error {
	var missing []string
	for _, soe := range tips.SOE {
		hash := soe.Edge.ReferencedHash
		if m.store.IsCheckpointAccepted(hash) {
			continue
		}
		if block, ok := m.store.GetCheckpoint(hash); ok {
			_ = m.store.AddToAcceptance(ctx, block)
			continue
		}
		missing = append(missing, hash)
	}
	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hash := range missing {
		hash := hash
		if m.store.IsWaitingForResolving(hash) || m.store.IsCheckpointInAcceptance(hash) ||
			m.store.IsCheckpointWaitingForAcceptance(hash) || m.store.IsCheckpointAwaiting(hash) {
			continue
		}
		g.Go(func() error {
			return m.resolutionQueue.EnqueueCheckpoint(gctx, hash, hintPeer, func(*types.CheckpointBlock) {})
		})
	}
	if err := g.Wait(); err != nil {
		return newRoundError(ErrMissingParents, roundID, nil, nil, err)
	}
	return newRoundError(ErrMissingParents, roundID, nil, nil, nil)
}

// newProtocol wires a RoundProtocol whose completion/failure callbacks
// settle the round against this manager's tables, the checkpoint store,
// the TxChain and the pending pools.
func (m *RoundManager) newProtocol(data *types.RoundData, ownTxs []types.Transaction, ownObs []types.Observation) *RoundProtocol {
	onComplete := func(block *types.CheckpointBlock) {
		ctx := context.Background()
		_ = m.store.StoreSOE(ctx, block)
		_ = m.store.AddToAcceptance(ctx, block)

		txHashes := make([]string, len(block.Transactions))
		for i, tx := range block.Transactions {
			txHashes[i] = tx.ContentHash
			_ = m.txSvc.Accept(ctx, tx)
			m.txChain.RecordAccepted(tx, block.Height.Max)
		}
		_ = m.txSvc.ClearInConsensus(ctx, txHashes)

		obsHashes := make([]string, len(block.Observations))
		for i, obs := range block.Observations {
			obsHashes[i] = obs.ContentHash
			_ = m.obsSvc.Accept(ctx, obs)
		}
		_ = m.obsSvc.ClearInConsensus(ctx, obsHashes)

		m.stopRound(data.RoundID, nil, nil)
		if m.events != nil {
			m.events.PublishAsync(types.BaseEvent{EventType: types.EventRoundCommitted, EventData: block})
		}
	}

	onFailed := func(kind ErrorKind, txs []types.Transaction, obs []types.Observation, cause error) {
		if m.metrics != nil {
			m.metrics.IncRoundError(kind)
		}
		m.stopRound(data.RoundID, txs, obs)
		if m.events != nil {
			m.events.PublishAsync(types.BaseEvent{EventType: types.EventRoundFailed, EventData: data.RoundID})
		}
	}

	return NewRoundProtocol(data, m.self, ownTxs, ownObs, m.sender, m.signer, m.metrics, onComplete, onFailed)
}

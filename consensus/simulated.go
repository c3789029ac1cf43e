package consensus

import (
	"context"
	"sync"

	"dex/interfaces"
	"dex/types"
)

// The Simulated* collaborators below are in-memory stand-ins for the
// consumed interfaces of spec §6, grounded on the reference tree's own
// NetworkManager/SimulatedTransport pattern (simulatedManager.go,
// simulatedTransport.go): plain mutex-guarded maps and no channels.
// SimulatedRemoteSender delivers each round message in-process by starting
// one goroutine per recipient, with no simulated wire, latency or loss.

// SimulatedCheckpointStore is an in-memory CheckpointStore sufficient for
// exercising the round lifecycle and genesis bootstrap in tests.
type SimulatedCheckpointStore struct {
	mu         sync.RWMutex
	byHash     map[string]*types.CheckpointBlock
	accepted   map[string]bool
	hasChild   map[string]bool
	inAccept   map[string]bool
	awaiting   map[string]bool
	waitAccept map[string]bool
	resolving  map[string]bool
	balances   map[types.Address]uint64
}

func NewSimulatedCheckpointStore() *SimulatedCheckpointStore {
	return &SimulatedCheckpointStore{
		byHash:     make(map[string]*types.CheckpointBlock),
		accepted:   make(map[string]bool),
		hasChild:   make(map[string]bool),
		inAccept:   make(map[string]bool),
		awaiting:   make(map[string]bool),
		waitAccept: make(map[string]bool),
		resolving:  make(map[string]bool),
		balances:   make(map[types.Address]uint64),
	}
}

// applyBalances folds a block's transactions into the balance cache,
// debiting Source only when it already has a tracked balance (the
// coinbase source never does). Callers must hold s.mu.
func (s *SimulatedCheckpointStore) applyBalances(txs []types.Transaction) {
	for _, tx := range txs {
		if bal, ok := s.balances[tx.Source]; ok {
			s.balances[tx.Source] = bal - tx.Amount
		}
		s.balances[tx.Destination] += tx.Amount
	}
}

func (s *SimulatedCheckpointStore) StoreSOE(_ context.Context, block *types.CheckpointBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[block.SoeHash] = block
	return nil
}

func (s *SimulatedCheckpointStore) Store(_ context.Context, block *types.CheckpointBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[block.SoeHash] = block
	s.accepted[block.SoeHash] = true
	delete(s.inAccept, block.SoeHash)
	for _, parent := range block.ParentTips {
		s.hasChild[parent.ReferencedHash] = true
	}
	s.applyBalances(block.Transactions)
	return nil
}

func (s *SimulatedCheckpointStore) AddToAcceptance(_ context.Context, block *types.CheckpointBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[block.SoeHash] = block
	s.accepted[block.SoeHash] = true
	for _, parent := range block.ParentTips {
		s.hasChild[parent.ReferencedHash] = true
	}
	s.applyBalances(block.Transactions)
	return nil
}

// GetBalance reports addr's current balance as derived from every
// accepted block's transactions.
func (s *SimulatedCheckpointStore) GetBalance(addr types.Address) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[addr]
	return bal, ok
}

func (s *SimulatedCheckpointStore) IsCheckpointAccepted(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted[hash]
}

func (s *SimulatedCheckpointStore) GetCheckpoint(hash string) (*types.CheckpointBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	return b, ok
}

func (s *SimulatedCheckpointStore) IsWaitingForResolving(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolving[hash]
}

func (s *SimulatedCheckpointStore) IsCheckpointInAcceptance(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inAccept[hash]
}

func (s *SimulatedCheckpointStore) IsCheckpointWaitingForAcceptance(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waitAccept[hash]
}

func (s *SimulatedCheckpointStore) IsCheckpointAwaiting(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.awaiting[hash]
}

// Tips returns every accepted block with no accepted child.
func (s *SimulatedCheckpointStore) Tips() []*types.CheckpointBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tips []*types.CheckpointBlock
	for hash := range s.accepted {
		if s.hasChild[hash] {
			continue
		}
		tips = append(tips, s.byHash[hash])
	}
	return tips
}

// SimulatedPool is a minimal in-memory pending pool implementing both
// TransactionService and ObservationService against parallel maps.
type SimulatedPool struct {
	mu          sync.Mutex
	pendingTx   map[string]types.Transaction
	inConsensus map[string]bool
	acceptedTx  map[string]bool

	pendingObs map[string]types.Observation
}

func NewSimulatedPool() *SimulatedPool {
	return &SimulatedPool{
		pendingTx:   make(map[string]types.Transaction),
		inConsensus: make(map[string]bool),
		acceptedTx:  make(map[string]bool),
		pendingObs:  make(map[string]types.Observation),
	}
}

func (p *SimulatedPool) AddTransaction(tx types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingTx[tx.ContentHash] = tx
}

func (p *SimulatedPool) AddObservation(obs types.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingObs[obs.ContentHash] = obs
}

func (p *SimulatedPool) PullForConsensus(_ context.Context, maxN uint32) ([]types.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Transaction, 0, maxN)
	for hash, tx := range p.pendingTx {
		if p.inConsensus[hash] || p.acceptedTx[hash] {
			continue
		}
		p.inConsensus[hash] = true
		out = append(out, tx)
		if uint32(len(out)) >= maxN {
			break
		}
	}
	return out, nil
}

func (p *SimulatedPool) PullObservationsForConsensus(_ context.Context, maxN uint32) ([]types.Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Observation, 0, maxN)
	for _, obs := range p.pendingObs {
		out = append(out, obs)
		if uint32(len(out)) >= maxN {
			break
		}
	}
	return out, nil
}

func (p *SimulatedPool) ReturnToPending(_ context.Context, hashes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.inConsensus, h)
	}
	return nil
}

func (p *SimulatedPool) ClearInConsensus(_ context.Context, hashes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.inConsensus, h)
	}
	return nil
}

func (p *SimulatedPool) Accept(_ context.Context, tx types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acceptedTx[tx.ContentHash] = true
	delete(p.pendingTx, tx.ContentHash)
	return nil
}

// SimulatedObservationPool adapts SimulatedPool to ObservationService
// without colliding Accept/PullForConsensus signatures on the same type.
type SimulatedObservationPool struct {
	*SimulatedPool
}

func (p *SimulatedObservationPool) PullForConsensus(ctx context.Context, maxN uint32) ([]types.Observation, error) {
	return p.SimulatedPool.PullObservationsForConsensus(ctx, maxN)
}

func (p *SimulatedObservationPool) Accept(_ context.Context, obs types.Observation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingObs, obs.ContentHash)
	return nil
}

// SimulatedCluster is an in-memory ClusterStorage over a fixed peer set.
type SimulatedCluster struct {
	mu    sync.RWMutex
	peers map[types.NodeID]interfaces.PeerData
}

func NewSimulatedCluster() *SimulatedCluster {
	return &SimulatedCluster{peers: make(map[types.NodeID]interfaces.PeerData)}
}

func (c *SimulatedCluster) AddPeer(peer interfaces.PeerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer.ID] = peer
}

func (c *SimulatedCluster) GetPeers() map[types.NodeID]interfaces.PeerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.NodeID]interfaces.PeerData, len(c.peers))
	for id, p := range c.peers {
		out[id] = p
	}
	return out
}

func (c *SimulatedCluster) GetReadyAndFullPeers() map[types.NodeID]interfaces.PeerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.NodeID]interfaces.PeerData)
	for id, p := range c.peers {
		if p.Ready && p.Full {
			out[id] = p
		}
	}
	return out
}

// SimulatedNodeStorage is a settable NodeStorage for driving a node
// through its lifecycle states in tests.
type SimulatedNodeStorage struct {
	mu    sync.RWMutex
	state types.NodeState
}

func NewSimulatedNodeStorage(initial types.NodeState) *SimulatedNodeStorage {
	return &SimulatedNodeStorage{state: initial}
}

func (n *SimulatedNodeStorage) GetNodeState() types.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *SimulatedNodeStorage) SetNodeState(s types.NodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// SimulatedResolutionQueue resolves nothing; every enqueued hash simply
// stays missing, matching a test's need to force MissingParents.
type SimulatedResolutionQueue struct{}

func (SimulatedResolutionQueue) EnqueueCheckpoint(_ context.Context, _ string, _ types.NodeID, _ func(*types.CheckpointBlock)) error {
	return nil
}

// SimulatedRemoteSender routes round messages directly into a
// RoundManager registry keyed by NodeID, in-process, with no network
// simulation — the reference tree's SimulatedTransport does the same for
// its own message set, minus artificial latency/loss since this harness
// is about protocol correctness, not liveness under adversarial network
// conditions.
type SimulatedRemoteSender struct {
	mu       sync.RWMutex
	managers map[types.NodeID]*RoundManager
	acks     map[types.NodeID]bool
}

func NewSimulatedRemoteSender() *SimulatedRemoteSender {
	return &SimulatedRemoteSender{
		managers: make(map[types.NodeID]*RoundManager),
		acks:     make(map[types.NodeID]bool),
	}
}

func (s *SimulatedRemoteSender) Register(id types.NodeID, manager *RoundManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[id] = manager
	s.acks[id] = true
}

// SetAck controls whether NotifyFacilitators reports id as acknowledging,
// for exercising NotAllPeersParticipate.
func (s *SimulatedRemoteSender) SetAck(id types.NodeID, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[id] = ack
}

func (s *SimulatedRemoteSender) NotifyFacilitators(ctx context.Context, req types.NotifyFacilitatorRequest) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acks := make([]bool, len(req.Facilitators))
	for i, id := range req.Facilitators {
		if id == req.InitiatorID {
			acks[i] = true
			continue
		}
		acks[i] = s.acks[id]
		if manager, ok := s.managers[id]; ok && s.acks[id] {
			go manager.ParticipateInRound(ctx, req)
		}
	}
	return acks, nil
}

func (s *SimulatedRemoteSender) BroadcastConsensusDataProposal(ctx context.Context, peers []types.NodeID, msg types.ConsensusDataProposal) error {
	return s.route(ctx, peers, msg.FacilitatorID, msg)
}

func (s *SimulatedRemoteSender) BroadcastUnionBlockProposal(ctx context.Context, peers []types.NodeID, msg types.UnionBlockProposal) error {
	return s.route(ctx, peers, msg.FacilitatorID, msg)
}

func (s *SimulatedRemoteSender) BroadcastSelectedUnionBlock(ctx context.Context, peers []types.NodeID, msg types.SelectedUnionBlock) error {
	return s.route(ctx, peers, msg.FacilitatorID, msg)
}

func (s *SimulatedRemoteSender) route(ctx context.Context, peers []types.NodeID, from types.NodeID, msg interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range peers {
		if id == from {
			continue
		}
		manager, ok := s.managers[id]
		if !ok {
			continue
		}
		roundID := roundIDOf(msg)
		go manager.RouteMessage(ctx, roundID, msg)
	}
	return nil
}

func roundIDOf(msg interface{}) types.RoundID {
	switch m := msg.(type) {
	case types.ConsensusDataProposal:
		return m.RoundID
	case types.UnionBlockProposal:
		return m.RoundID
	case types.SelectedUnionBlock:
		return m.RoundID
	}
	return ""
}

// Package network maintains the cluster's peer registry, grounded on the
// reference tree's Network (same mutex-guarded map-of-nodes shape),
// adapted from db.NodeInfo-keyed-by-public-key storage into the
// interfaces.ClusterStorage view the consensus package pulls facilitator
// candidates from.
package network

import (
	"sync"

	"dex/interfaces"
	"dex/types"
)

// Registry is the default interfaces.ClusterStorage implementation: an
// in-memory table of known peers, updated through Upsert and Remove
// (cmd/node seeds it from its --peer flags).
type Registry struct {
	mu    sync.RWMutex
	peers map[types.NodeID]interfaces.PeerData
}

// NewRegistry builds an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[types.NodeID]interfaces.PeerData)}
}

// Upsert adds or updates a peer's address/readiness/fullness.
func (r *Registry) Upsert(peer interfaces.PeerData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peer.ID] = peer
}

// Remove drops a peer from the registry, e.g. on connection loss.
func (r *Registry) Remove(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// GetPeers returns every known peer, keyed by NodeID.
func (r *Registry) GetPeers() map[types.NodeID]interfaces.PeerData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.NodeID]interfaces.PeerData, len(r.peers))
	for id, p := range r.peers {
		out[id] = p
	}
	return out
}

// GetReadyAndFullPeers returns peers that are both ready to participate
// in consensus and caught up (Full), the candidate pool StartOwnRound
// draws facilitators from.
func (r *Registry) GetReadyAndFullPeers() map[types.NodeID]interfaces.PeerData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.NodeID]interfaces.PeerData, len(r.peers))
	for id, p := range r.peers {
		if p.Ready && p.Full {
			out[id] = p
		}
	}
	return out
}

// Get looks up a single peer by ID.
func (r *Registry) Get(id types.NodeID) (interfaces.PeerData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// ResolveURL implements sender.PeerResolver: it turns a peer's bare
// host:port Address into the base URL its round-message HTTPS listener
// answers on.
func (r *Registry) ResolveURL(id types.NodeID) (string, bool) {
	p, ok := r.Get(id)
	if !ok || p.Address == "" {
		return "", false
	}
	return "https://" + p.Address, true
}

// SelfState is the default interfaces.NodeStorage implementation: this
// node's own lifecycle state, settable as it boots, syncs, and later
// leaves the cluster.
type SelfState struct {
	mu    sync.RWMutex
	state types.NodeState
}

// NewSelfState builds a SelfState starting in NodeStateInitial.
func NewSelfState() *SelfState {
	return &SelfState{state: types.NodeStateInitial}
}

func (s *SelfState) GetNodeState() types.NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetNodeState transitions this node's lifecycle state.
func (s *SelfState) SetNodeState(state types.NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

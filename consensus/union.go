package consensus

import (
	"sort"

	"github.com/spaolacci/murmur3"

	"dex/types"
)

// unionKey is a fast, non-cryptographic map key derived from a content
// hash, used only to dedup during union computation — the canonical order
// and equality that matter for consensus still come from the content hash
// string itself, murmur3 just avoids hashing the full hex string on every
// map operation for large proposal sets.
func unionKey(contentHash string) uint64 {
	return murmur3.Sum64([]byte(contentHash))
}

// unionTransactions computes the deterministic multiset union of every
// facilitator's proposed transactions, de-duplicated by content-hash and
// sorted canonically ascending (spec §4.2 Phase 1). Arrival order of the
// input proposals never affects the result.
func unionTransactions(proposals []types.ConsensusDataProposal) []types.Transaction {
	seen := make(map[uint64]struct{})
	out := make([]types.Transaction, 0)
	for _, p := range proposals {
		for _, tx := range p.Transactions {
			k := unionKey(tx.ContentHash)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

// unionObservations is unionTransactions' counterpart for observations.
func unionObservations(proposals []types.ConsensusDataProposal) []types.Observation {
	seen := make(map[uint64]struct{})
	out := make([]types.Observation, 0)
	for _, p := range proposals {
		for _, obs := range p.Observations {
			k := unionKey(obs.ContentHash)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, obs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

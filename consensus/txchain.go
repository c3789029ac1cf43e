package consensus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"dex/keys"
	"dex/types"
)

// TxChain enforces the strict per-address ordinal chain of spec §4.4: for
// each address, transactions are numbered 1..N with each one's LastTxRef
// pointing at the previous transaction's content hash.
//
// chainEntry additionally remembers the height at which its owning
// transaction was persisted, so PruneBelow can implement the
// snapshot-horizon cleanup spec §9 leaves open.
type chainEntry struct {
	ref    types.LastTransactionRef
	height uint64
}

type TxChain struct {
	mu      sync.Mutex
	chains  map[types.Address]*chainEntry
	// recent records which addresses have had chain activity, bounded to
	// txChainRecentSize entries. An address dropping out of it keeps its
	// entry in chains; entries leave chains only through PruneBelow.
	recent *lru.Cache[types.Address, struct{}]
}

const txChainRecentSize = 1 << 16

func NewTxChain() *TxChain {
	recent, _ := lru.New[types.Address, struct{}](txChainRecentSize)
	return &TxChain{
		chains: make(map[types.Address]*chainEntry),
		recent: recent,
	}
}

// GetLastRef returns the recorded ref for address, or the empty ref if the
// address has never accepted a transaction.
func (c *TxChain) GetLastRef(address types.Address) types.LastTransactionRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.chains[address]; ok {
		return e.ref
	}
	return types.LastTransactionRef{}
}

// SetLastTransaction performs the atomic read-modify-write spec §4.4
// requires: read the previous ref, build the transaction extending it, and
// store the new ref before returning. Concurrent calls for the same
// address serialize through TxChain's single mutex; the later call always
// observes the earlier call's update.
func (c *TxChain) SetLastTransaction(source, destination types.Address, amount uint64, isDummy bool, sign func(digest []byte) []byte) types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := types.LastTransactionRef{}
	if e, ok := c.chains[source]; ok {
		prev = e.ref
	}

	tx := types.Transaction{
		Source:      source,
		Destination: destination,
		Amount:      amount,
		LastTxRef:   prev,
		Ordinal:     prev.Ordinal + 1,
		IsDummy:     isDummy,
	}
	tx.ContentHash = keys.HashTransaction(tx)
	if sign != nil {
		tx.Signature = sign([]byte(tx.ContentHash))
	}

	c.chains[source] = &chainEntry{ref: types.LastTransactionRef{PrevHash: tx.ContentHash, Ordinal: tx.Ordinal}}
	c.recent.Add(source, struct{}{})
	return tx
}

// RecordAccepted advances an address's chain to reflect a transaction
// accepted from elsewhere (e.g. replaying a peer's proposal into the local
// chain view) and records the height it was persisted at, for PruneBelow.
func (c *TxChain) RecordAccepted(tx types.Transaction, height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[tx.Source] = &chainEntry{
		ref:    types.LastTransactionRef{PrevHash: tx.ContentHash, Ordinal: tx.Ordinal},
		height: height,
	}
	c.recent.Add(tx.Source, struct{}{})
}

// PruneBelow drops chain entries whose last-accepted transaction is fully
// persisted below the given height, per spec §9's open question on
// lastTransactionRef cleanup. Pruning an entry does not lose correctness:
// the address simply has no in-memory ref until its next transaction,
// which must still supply a valid LastTxRef learned from the persisted
// chain, not from this cache.
func (c *TxChain) PruneBelow(height uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for addr, e := range c.chains {
		if e.height > 0 && e.height < height {
			delete(c.chains, addr)
			pruned++
		}
	}
	return pruned
}

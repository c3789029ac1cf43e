// Package db provides the badger-backed interfaces.CheckpointStore
// implementation: accepted checkpoint blocks and their SOE edges are
// persisted to disk with an in-memory read cache in front, grounded on
// the reference tree's RealBlockStore (same cache-in-front-of-db.Manager
// shape, same json.Marshal/Unmarshal-under-a-key-prefix persistence
// style as its SetFinalizationChits/GetFinalizationChits).
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v2"

	"dex/logs"
	"dex/types"
)

const (
	prefixSOE       = "soe:"
	prefixAccepted  = "accepted:"
	prefixHasChild  = "haschild:"
	prefixAcceptQ   = "acceptq:"
	prefixAwaiting  = "awaiting:"
	prefixResolving = "resolving:"
	prefixBalance   = "balance:"
)

// Store is the badger/v2-backed CheckpointStore. Acceptance-pipeline
// progress markers (waiting/in-acceptance/awaiting/resolving) are kept
// only in memory: they describe transient orchestration state, not
// durable DAG content, and are reset on restart the same way the
// reference tree's RealBlockStore rebuilds in-memory indices from
// loadFromDB rather than persisting them directly.
type Store struct {
	mu  sync.RWMutex
	bdb *badger.DB

	cache       map[string]*types.CheckpointBlock
	accepted    map[string]bool
	hasChild    map[string]bool
	inAcceptQ   map[string]bool
	awaiting    map[string]bool
	resolving   map[string]bool
	balances    map[types.Address]uint64
}

// Open opens (creating if absent) a badger database at dir and loads its
// accepted-block index into memory.
func Open(dir string, syncWrites bool) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(syncWrites).
		WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("db: open badger at %s: %w", dir, err)
	}
	s := &Store{
		bdb:       bdb,
		cache:     make(map[string]*types.CheckpointBlock),
		accepted:  make(map[string]bool),
		hasChild:  make(map[string]bool),
		inAcceptQ: make(map[string]bool),
		awaiting:  make(map[string]bool),
		resolving: make(map[string]bool),
		balances:  make(map[types.Address]uint64),
	}
	if err := s.loadFromDB(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.bdb.Close() }

func (s *Store) loadFromDB() error {
	return s.bdb.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAccepted)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefixAccepted)); it.ValidForPrefix([]byte(prefixAccepted)); it.Next() {
			item := it.Item()
			var block types.CheckpointBlock
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &block)
			}); err != nil {
				logs.Warn("db: skipping unreadable accepted block %s: %v", item.Key(), err)
				continue
			}
			hash := string(item.Key()[len(prefixAccepted):])
			s.cache[hash] = &block
			s.accepted[hash] = true
			for _, tip := range block.ParentTips {
				if tip.EdgeType != types.CoinbaseHash {
					s.hasChild[tip.ReferencedHash] = true
				}
			}
		}

		bopts := badger.DefaultIteratorOptions
		bopts.Prefix = []byte(prefixBalance)
		bit := txn.NewIterator(bopts)
		defer bit.Close()
		for bit.Seek([]byte(prefixBalance)); bit.ValidForPrefix([]byte(prefixBalance)); bit.Next() {
			item := bit.Item()
			var bal uint64
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &bal)
			}); err != nil {
				logs.Warn("db: skipping unreadable balance %s: %v", item.Key(), err)
				continue
			}
			addr := types.Address(item.Key()[len(prefixBalance):])
			s.balances[addr] = bal
		}
		return nil
	})
}

// applyBalances folds a block's transactions into the in-memory balance
// cache, debiting Source only when it already has a tracked balance (the
// coinbase source never does, so genesis distributions only credit). It
// returns every address whose balance changed, for the caller to persist.
// Callers must hold s.mu.
func (s *Store) applyBalances(txs []types.Transaction) map[types.Address]uint64 {
	touched := make(map[types.Address]uint64)
	for _, tx := range txs {
		if bal, ok := s.balances[tx.Source]; ok {
			bal -= tx.Amount
			s.balances[tx.Source] = bal
			touched[tx.Source] = bal
		}
		s.balances[tx.Destination] += tx.Amount
		touched[tx.Destination] = s.balances[tx.Destination]
	}
	return touched
}

// GetBalance reports addr's current balance as derived from every
// accepted block's transactions.
func (s *Store) GetBalance(addr types.Address) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[addr]
	return bal, ok
}

func (s *Store) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("db: marshal %s: %w", key, err)
	}
	return s.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// StoreSOE persists a block's signed observation edge ahead of full
// acceptance, so children can reference it as a tip candidate.
func (s *Store) StoreSOE(_ context.Context, block *types.CheckpointBlock) error {
	if err := s.put(prefixSOE+block.SoeHash, block); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[block.SoeHash] = block
	s.mu.Unlock()
	return nil
}

// Store persists an accepted block along with its derived
// balance/address-cache effects.
func (s *Store) Store(_ context.Context, block *types.CheckpointBlock) error {
	if err := s.put(prefixAccepted+block.SoeHash, block); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[block.SoeHash] = block
	s.accepted[block.SoeHash] = true
	delete(s.inAcceptQ, block.SoeHash)
	delete(s.awaiting, block.SoeHash)
	delete(s.resolving, block.SoeHash)
	for _, tip := range block.ParentTips {
		if tip.EdgeType != types.CoinbaseHash {
			s.hasChild[tip.ReferencedHash] = true
		}
	}
	touched := s.applyBalances(block.Transactions)
	s.mu.Unlock()

	for addr, bal := range touched {
		if err := s.put(prefixBalance+string(addr), bal); err != nil {
			return fmt.Errorf("db: persist balance for %s: %w", addr, err)
		}
	}
	return nil
}

// AddToAcceptance enqueues a locally-known-but-unaccepted block for the
// acceptance pipeline to process.
func (s *Store) AddToAcceptance(_ context.Context, block *types.CheckpointBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accepted[block.SoeHash] {
		return nil
	}
	s.cache[block.SoeHash] = block
	s.inAcceptQ[block.SoeHash] = true
	return nil
}

func (s *Store) IsCheckpointAccepted(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted[hash]
}

func (s *Store) GetCheckpoint(hash string) (*types.CheckpointBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cache[hash]
	return b, ok
}

func (s *Store) IsWaitingForResolving(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolving[hash]
}

func (s *Store) IsCheckpointInAcceptance(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inAcceptQ[hash]
}

func (s *Store) IsCheckpointWaitingForAcceptance(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, known := s.cache[hash]
	return known && !s.accepted[hash] && !s.inAcceptQ[hash]
}

func (s *Store) IsCheckpointAwaiting(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.awaiting[hash]
}

// MarkResolving/MarkAwaiting let the resolution queue record a hash's
// in-flight state; they are not part of interfaces.CheckpointStore
// proper but are exercised by whatever CheckpointResolutionQueue wraps
// this store.
func (s *Store) MarkResolving(hash string, resolving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resolving {
		s.resolving[hash] = true
	} else {
		delete(s.resolving, hash)
	}
}

func (s *Store) MarkAwaiting(hash string, awaiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if awaiting {
		s.awaiting[hash] = true
	} else {
		delete(s.awaiting, hash)
	}
}

// Tips returns every currently accepted block with no accepted child.
func (s *Store) Tips() []*types.CheckpointBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CheckpointBlock, 0)
	for hash := range s.accepted {
		if s.hasChild[hash] {
			continue
		}
		if block, ok := s.cache[hash]; ok {
			out = append(out, block)
		}
	}
	return out
}

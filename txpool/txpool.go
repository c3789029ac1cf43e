// Package txpool provides the default TransactionService/ObservationService
// implementations the RoundManager pulls consensus inputs from: pending
// pools with an in-consensus hold-out set, backed by the same
// LRU-cache-plus-worker-queue shape the reference tree's TxPool used for
// its own pending-tx cache and async DB persistence.
package txpool

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"dex/logs"
	"dex/stats"
	"dex/types"
)

// PersistTx is called, off the hot path, once a transaction is accepted
// into the pending pool, so a caller can write it through to durable
// storage without blocking SubmitTransaction.
type PersistTx func(tx types.Transaction)

// PersistObservation is PersistTx's counterpart for observations.
type PersistObservation func(obs types.Observation)

// Pool is the pending pool shared by the transaction and observation
// services: unbounded maps of pending entries, a hold-out set for entries
// currently pulled into a round, an LRU-bounded set of accepted content
// hashes, and a fixed worker pool async persisting new entries —
// mirroring the reference tree's TxPool queue.
type Pool struct {
	mu sync.RWMutex

	pendingTx map[string]types.Transaction
	pendingOb map[string]types.Observation
	inFlight  map[string]struct{}

	// accepted is the dedup set of already-committed content hashes, so a
	// replayed/duplicate submit stays a no-op after the entry has left
	// pendingTx. It holds at most acceptedCacheSize hashes; a hash evicted
	// from it is admitted again if resubmitted.
	accepted *lru.Cache[string, struct{}]

	persistTx  PersistTx
	persistObs PersistObservation

	saveQueue chan func()
	stopCh    chan struct{}
	wg        sync.WaitGroup

	logger *logs.Logger
}

const acceptedCacheSize = 1 << 18
const saveQueueSize = 4096
const saveWorkers = 4

// NewPool builds an empty pool. persistTx/persistObs may be nil, in which
// case accepted entries are only tracked in memory.
func NewPool(persistTx PersistTx, persistObs PersistObservation, logger *logs.Logger) (*Pool, error) {
	accepted, err := lru.New[string, struct{}](acceptedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("txpool: build accepted cache: %w", err)
	}
	if logger == nil {
		logger = logs.Default
	}
	p := &Pool{
		pendingTx:  make(map[string]types.Transaction),
		pendingOb:  make(map[string]types.Observation),
		inFlight:   make(map[string]struct{}),
		accepted:   accepted,
		persistTx:  persistTx,
		persistObs: persistObs,
		saveQueue:  make(chan func(), saveQueueSize),
		stopCh:     make(chan struct{}),
		logger:     logger,
	}
	for i := 0; i < saveWorkers; i++ {
		p.wg.Add(1)
		go p.runSaveWorker()
	}
	return p, nil
}

func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) runSaveWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			for {
				select {
				case fn := <-p.saveQueue:
					fn()
				default:
					return
				}
			}
		case fn := <-p.saveQueue:
			fn()
		}
	}
}

func (p *Pool) enqueueSave(fn func()) {
	select {
	case p.saveQueue <- fn:
	default:
		// Queue saturated: persist inline rather than drop the entry.
		fn()
	}
}

// SubmitTransaction admits a transaction into the pending pool. Duplicate
// submission (by content-hash, whether still pending or already accepted
// into a committed block) is a no-op.
func (p *Pool) SubmitTransaction(tx types.Transaction) error {
	p.mu.Lock()
	if _, ok := p.accepted.Get(tx.ContentHash); ok {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.pendingTx[tx.ContentHash]; ok {
		p.mu.Unlock()
		return nil
	}
	p.pendingTx[tx.ContentHash] = tx
	p.mu.Unlock()

	if p.persistTx != nil {
		p.enqueueSave(func() { p.persistTx(tx) })
	}
	return nil
}

// SubmitObservation is SubmitTransaction's counterpart for observations.
func (p *Pool) SubmitObservation(obs types.Observation) error {
	p.mu.Lock()
	if _, ok := p.pendingOb[obs.ContentHash]; ok {
		p.mu.Unlock()
		return nil
	}
	p.pendingOb[obs.ContentHash] = obs
	p.mu.Unlock()

	if p.persistObs != nil {
		p.enqueueSave(func() { p.persistObs(obs) })
	}
	return nil
}

// ChannelStats reports the save-queue's current depth, so an operator can
// see whether persistence is falling behind submission.
func (p *Pool) ChannelStats() []stats.ChannelStat {
	return []stats.ChannelStat{
		stats.NewChannelStat("saveQueue", "TxPool", len(p.saveQueue), cap(p.saveQueue)),
	}
}

// PendingTxCount reports how many transactions are pending and not
// currently held by an in-flight round.
func (p *Pool) PendingTxCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for hash := range p.pendingTx {
		if _, held := p.inFlight[hash]; !held {
			n++
		}
	}
	return n
}

// TransactionService is the Pool's TransactionService view.
type TransactionService struct{ pool *Pool }

func NewTransactionService(pool *Pool) *TransactionService { return &TransactionService{pool: pool} }

func (s *TransactionService) PullForConsensus(_ context.Context, maxN uint32) ([]types.Transaction, error) {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Transaction, 0, maxN)
	for hash, tx := range p.pendingTx {
		if _, held := p.inFlight[hash]; held {
			continue
		}
		p.inFlight[hash] = struct{}{}
		out = append(out, tx)
		if uint32(len(out)) >= maxN {
			break
		}
	}
	return out, nil
}

func (s *TransactionService) ReturnToPending(_ context.Context, hashes []string) error {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.inFlight, h)
	}
	return nil
}

func (s *TransactionService) ClearInConsensus(_ context.Context, hashes []string) error {
	return s.ReturnToPending(context.Background(), hashes)
}

func (s *TransactionService) Accept(_ context.Context, tx types.Transaction) error {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingTx, tx.ContentHash)
	delete(p.inFlight, tx.ContentHash)
	p.accepted.Add(tx.ContentHash, struct{}{})
	return nil
}

// ObservationService is the Pool's ObservationService view.
type ObservationService struct{ pool *Pool }

func NewObservationService(pool *Pool) *ObservationService { return &ObservationService{pool: pool} }

func (s *ObservationService) PullForConsensus(_ context.Context, maxN uint32) ([]types.Observation, error) {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Observation, 0, maxN)
	for hash, obs := range p.pendingOb {
		key := "obs:" + hash
		if _, held := p.inFlight[key]; held {
			continue
		}
		p.inFlight[key] = struct{}{}
		out = append(out, obs)
		if uint32(len(out)) >= maxN {
			break
		}
	}
	return out, nil
}

func (s *ObservationService) ReturnToPending(_ context.Context, hashes []string) error {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.inFlight, "obs:"+h)
	}
	return nil
}

func (s *ObservationService) ClearInConsensus(_ context.Context, hashes []string) error {
	return s.ReturnToPending(context.Background(), hashes)
}

func (s *ObservationService) Accept(_ context.Context, obs types.Observation) error {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingOb, obs.ContentHash)
	delete(p.inFlight, "obs:"+obs.ContentHash)
	return nil
}

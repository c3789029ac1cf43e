// Package app wires the node's concrete collaborators together and runs
// its lifecycle, grounded on the reference tree's Container/App
// (same named-service start order and ctx/cancel/WaitGroup shutdown
// shape), rewired from its generic interfaces.DBManager/TxPool/Network
// registry onto this node's concrete consensus/db/network/sender/txpool
// types.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dex/config"
	"dex/consensus"
	"dex/crt"
	"dex/db"
	"dex/logs"
	"dex/middleware"
	"dex/network"
	"dex/sender"
	"dex/txpool"
	"dex/types"
)

// Container bundles every long-lived collaborator the App starts and
// stops together.
type Container struct {
	Config *config.Config

	Store    *db.Store
	Registry *network.Registry
	SelfNode *network.SelfState

	Pool               *txpool.Pool
	TransactionService *txpool.TransactionService
	ObservationService *txpool.ObservationService

	TxChain     *consensus.TxChain
	TipSelector *consensus.TipSelector
	Events      *consensus.EventBus
	Metrics     *consensus.Metrics
	Rounds      *consensus.RoundManager

	Sender *sender.Sender
	Server *sender.Server

	limiter *middleware.Limiter
}

// NewContainer builds every collaborator for node self, wiring them per
// SPEC_FULL.md's component list, but does not start the round-manager
// sweep, the rate-limiter cleanup or the HTTPS listener yet
// (txpool.NewPool does start the pool's save workers).
func NewContainer(cfg *config.Config, self types.NodeID, selfAddress types.Address, signer consensus.BlockSigner) (*Container, error) {
	store, err := db.Open(cfg.Database.Dir, cfg.Database.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	registry := network.NewRegistry()
	selfState := network.NewSelfState()

	pool, err := txpool.NewPool(nil, nil, logs.NewLogger(selfAddress.String()))
	if err != nil {
		return nil, fmt.Errorf("app: build pool: %w", err)
	}
	txSvc := txpool.NewTransactionService(pool)
	obsSvc := txpool.NewObservationService(pool)

	txChain := consensus.NewTxChain()
	tipSelector := consensus.NewTipSelector(store, registry, self)
	events := consensus.NewEventBus()
	metrics := consensus.NewMetrics(nil)

	resolutionQueue := &noopResolutionQueue{}

	httpSender := sender.NewSender(
		self, registry,
		cfg.Sender.RequestTimeout,
		cfg.Sender.DefaultMaxRetries,
		cfg.Sender.BaseRetryDelay,
		cfg.Sender.MaxRetryDelay,
		true,
	)

	rounds := consensus.NewRoundManager(
		&cfg.Consensus, self, signer,
		store, txSvc, obsSvc, registry, selfState,
		httpSender, resolutionQueue, tipSelector, txChain, events, metrics,
	)

	limiter := middleware.NewLimiter(cfg.Auth.RateLimitRequestCap, cfg.Auth.RateLimitWindow)
	server := sender.NewServer(rounds, limiter)

	if err := crt.EnsureSelfSignedCert(cfg.Server.CertPath, cfg.Server.KeyPath, selfAddress); err != nil {
		return nil, fmt.Errorf("app: ensure cert: %w", err)
	}

	return &Container{
		Config:             cfg,
		Store:              store,
		Registry:           registry,
		SelfNode:           selfState,
		Pool:               pool,
		TransactionService: txSvc,
		ObservationService: obsSvc,
		TxChain:            txChain,
		TipSelector:        tipSelector,
		Events:             events,
		Metrics:            metrics,
		Rounds:             rounds,
		Sender:             httpSender,
		Server:             server,
		limiter:            limiter,
	}, nil
}

// noopResolutionQueue is used until a real checkpoint-fetch pipeline is
// wired to a peer transport; EnqueueCheckpoint returning nil without
// resolving anything means resolveParents will keep reporting
// MissingParents for genuinely absent parents, which is the correct
// degraded behavior rather than a silent hang.
type noopResolutionQueue struct{}

func (noopResolutionQueue) EnqueueCheckpoint(_ context.Context, _ string, _ types.NodeID, _ func(*types.CheckpointBlock)) error {
	return nil
}

// App runs a Container's background loops until Stop is called.
type App struct {
	container *Container
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewApp builds an App around container.
func NewApp(container *Container) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{container: container, ctx: ctx, cancel: cancel}
}

// Start brings up services in dependency order: rate-limit cleanup, the
// round-manager sweep loop, then the HTTPS listener last so it never
// serves requests to a not-yet-running round manager.
func (a *App) Start() error {
	c := a.container

	c.limiter.Run(2 * time.Minute)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		c.Rounds.Run(a.ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := c.Server.ListenAndServeTLS(a.ctx, c.Config.Server.ListenAddr, c.Config.Server.CertPath, c.Config.Server.KeyPath); err != nil {
			logs.Error("app: HTTPS listener stopped: %v", err)
		}
	}()

	logs.Info("node started, listening on %s", c.Config.Server.ListenAddr)
	return nil
}

// Stop shuts every service down and waits for their goroutines to exit.
func (a *App) Stop() {
	a.container.Rounds.Terminate()
	a.cancel()
	a.wg.Wait()
	a.container.limiter.Stop()
	a.container.Pool.Stop()
	if err := a.container.Store.Close(); err != nil {
		logs.Warn("app: close store: %v", err)
	}
}

// GetContainer exposes the wired container, e.g. for a test harness that
// wants direct access to the pools or store.
func (a *App) GetContainer() *Container { return a.container }

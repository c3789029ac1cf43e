package consensus

import (
	"context"
	"fmt"

	"dex/interfaces"
	"dex/keys"
	"dex/types"
)

// Allocation is one genesis distribution target: an address and its
// starting balance.
type Allocation struct {
	Address types.Address
	Balance uint64
}

// GenesisObservation bundles the three blocks a fresh chain bootstraps
// from, per spec §4.5.
type GenesisObservation struct {
	GenesisBlock       *types.CheckpointBlock
	DistributionBlock1 *types.CheckpointBlock
	DistributionBlock2 *types.CheckpointBlock
}

// GenesisBuilder constructs the deterministic genesis chain: a coinbase
// distribution block and two transaction-free sibling blocks referencing
// it (each carrying one marker observation), seeding
// initial balances with no network interaction.
type GenesisBuilder struct {
	store interfaces.CheckpointStore
}

func NewGenesisBuilder(store interfaces.CheckpointStore) *GenesisBuilder {
	return &GenesisBuilder{store: store}
}

// Build constructs and persists the genesis chain for the given
// allocations, returning the three blocks and installing the two
// distribution blocks as the DAG's initial tips.
func (g *GenesisBuilder) Build(ctx context.Context, allocations []Allocation) (*GenesisObservation, error) {
	coinbase, err := keys.CoinbaseKeyPair()
	if err != nil {
		return nil, fmt.Errorf("derive coinbase key: %w", err)
	}

	txs := make([]types.Transaction, 0, len(allocations))
	prev := types.LastTransactionRef{}
	for _, alloc := range allocations {
		tx := types.Transaction{
			Source:      coinbase.Address,
			Destination: alloc.Address,
			Amount:      alloc.Balance,
			LastTxRef:   prev,
			Ordinal:     prev.Ordinal + 1,
		}
		tx.ContentHash = keys.HashTransaction(tx)
		tx.Signature = keys.Sign(coinbase.Private, []byte(tx.ContentHash))
		txs = append(txs, tx)
		prev = types.LastTransactionRef{PrevHash: tx.ContentHash, Ordinal: tx.Ordinal}
	}

	coinbaseEdge := types.NewCoinbaseEdge()
	genesisBlock := &types.CheckpointBlock{
		Transactions: txs,
		ParentTips:   [2]types.TypedEdgeHash{coinbaseEdge, coinbaseEdge},
		Height:       types.Height{Min: 0, Max: 0},
	}
	if err := g.signAndSeal(genesisBlock, coinbase); err != nil {
		return nil, err
	}

	genesisEdge := types.TypedEdgeHash{ReferencedHash: genesisBlock.SoeHash, EdgeType: types.CheckpointHash, BaseHash: genesisBlock.BaseHash}

	// The two distribution blocks are otherwise identical siblings of the
	// same parent, so each carries a marker observation distinguishing
	// its content hash from the other's — without one, HashBlockBase
	// would collide the two into a single tip instead of the two spec
	// §4.5 requires.
	dist1Marker := g.distributionMarker(coinbase, 0)
	dist2Marker := g.distributionMarker(coinbase, 1)

	dist1 := &types.CheckpointBlock{
		Observations: []types.Observation{dist1Marker},
		ParentTips:   [2]types.TypedEdgeHash{genesisEdge, genesisEdge},
		Height:       types.Height{Min: 1, Max: 1},
	}
	if err := g.signAndSeal(dist1, coinbase); err != nil {
		return nil, err
	}

	dist2 := &types.CheckpointBlock{
		Observations: []types.Observation{dist2Marker},
		ParentTips:   [2]types.TypedEdgeHash{genesisEdge, genesisEdge},
		Height:       types.Height{Min: 1, Max: 1},
	}
	if err := g.signAndSeal(dist2, coinbase); err != nil {
		return nil, err
	}

	for _, block := range []*types.CheckpointBlock{genesisBlock, dist1, dist2} {
		if err := g.store.StoreSOE(ctx, block); err != nil {
			return nil, fmt.Errorf("store genesis SOE: %w", err)
		}
		if err := g.store.Store(ctx, block); err != nil {
			return nil, fmt.Errorf("store genesis block: %w", err)
		}
	}

	// Genesis acceptance is the only path that may insert tips without
	// going through round selection (spec §9 open question on setAsTips);
	// Store is expected to install accepted blocks with no children as
	// tips, which both distribution blocks are by construction. Store
	// also applies genesisBlock's coinbase transactions to the
	// address-balance cache, which is how each allocation's starting
	// balance actually lands (spec §4.5 step 4).

	return &GenesisObservation{
		GenesisBlock:       genesisBlock,
		DistributionBlock1: dist1,
		DistributionBlock2: dist2,
	}, nil
}

// distributionMarker builds the observation that gives an otherwise-empty
// distribution block distinct content: index 0 for the first sibling, 1
// for the second.
func (g *GenesisBuilder) distributionMarker(coinbase *keys.KeyPair, index byte) types.Observation {
	obs := types.Observation{
		Subject:  types.NodeID(coinbase.Address),
		Reporter: types.NodeID(coinbase.Address),
		Kind:     "genesis-distribution",
		Payload:  []byte{index},
	}
	obs.ContentHash = keys.HashObservation(obs)
	obs.Signature = keys.Sign(coinbase.Private, []byte(obs.ContentHash))
	return obs
}

func (g *GenesisBuilder) signAndSeal(block *types.CheckpointBlock, coinbase *keys.KeyPair) error {
	block.BaseHash = keys.HashBlockBase(block)
	sig := keys.Sign(coinbase.Private, []byte(block.BaseHash))
	block.Signatures = [][]byte{sig}
	block.SoeHash = keys.HashSOE(block.BaseHash, block.ParentTips[0])
	return nil
}

package types

// EdgeType discriminates what a TypedEdgeHash references.
type EdgeType int

const (
	// CheckpointHash references another checkpoint block's SoeHash.
	CheckpointHash EdgeType = iota
	// CoinbaseHash is the sentinel self-reference used only by genesis.
	CoinbaseHash
)

func (t EdgeType) String() string {
	switch t {
	case CheckpointHash:
		return "CheckpointHash"
	case CoinbaseHash:
		return "CoinbaseHash"
	default:
		return "Unknown"
	}
}

// CoinbaseSentinel is the hash genesis uses for its own, non-existent
// parents.
const CoinbaseSentinel = "coinbase"

// TypedEdgeHash is a typed reference to another block's signed observation
// edge.
type TypedEdgeHash struct {
	ReferencedHash string
	EdgeType       EdgeType
	BaseHash       string // optional; empty when not known
}

// NewCoinbaseEdge builds the sentinel self-reference genesis uses for both
// of its parent slots.
func NewCoinbaseEdge() TypedEdgeHash {
	return TypedEdgeHash{ReferencedHash: CoinbaseSentinel, EdgeType: CoinbaseHash}
}

// SignedObservationEdge is the cryptographically signed head edge of a
// checkpoint block: the edge other blocks reference as a parent tip, plus
// the signatures attesting to it.
type SignedObservationEdge struct {
	Edge       TypedEdgeHash
	Signatures [][]byte
}

// Height is the [Min,Max] height bracket assigned to a checkpoint block.
// Genesis has height (0,0); its two distribution children have (1,1).
type Height struct {
	Min uint64
	Max uint64
}

// CheckpointBlock is the unit of commit: transactions, observations, and
// exactly two parent tip references.
type CheckpointBlock struct {
	Transactions []Transaction
	Observations []Observation
	ParentTips   [2]TypedEdgeHash
	Signatures   [][]byte

	// SoeHash is a content hash over the signed observation edge (the
	// block's own head edge, as referenced by children).
	SoeHash string
	// BaseHash is a content hash over the block payload excluding
	// signatures — what facilitators sign and what Phase 2 compares to
	// pick the canonical union block.
	BaseHash string

	Height Height
}

// IsGenesisParented reports whether both parents are the coinbase
// sentinel, true only for the genesis block itself.
func (b *CheckpointBlock) IsGenesisParented() bool {
	return b.ParentTips[0].EdgeType == CoinbaseHash && b.ParentTips[1].EdgeType == CoinbaseHash
}

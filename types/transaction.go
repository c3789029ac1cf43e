package types

// LastTransactionRef points at the most recently accepted transaction on a
// sender's chain. The zero value is the chain's empty ref: no prior
// transaction, ordinal 0.
type LastTransactionRef struct {
	PrevHash string
	Ordinal  uint64
}

// IsEmpty reports whether this is the initial, pre-genesis ref for a chain
// that has never accepted a transaction.
func (r LastTransactionRef) IsEmpty() bool {
	return r.PrevHash == "" && r.Ordinal == 0
}

// Transaction moves a non-negative integer amount from Source to
// Destination, extending Source's strict per-address ordinal chain.
// IsDummy transactions carry zero economic effect and exist only to
// advance the chain (e.g. to re-establish liveness after a gap).
type Transaction struct {
	Source      Address
	Destination Address
	Amount      uint64
	LastTxRef   LastTransactionRef
	Ordinal     uint64
	Signature   []byte
	IsDummy     bool

	// ContentHash is a deterministic function of every field above
	// excluding Signature. Computed by keys.HashTransaction and cached
	// here once signed.
	ContentHash string
}

// Observation is a signed statement one node makes about another node's
// behavior, carried alongside transactions in a checkpoint block.
type Observation struct {
	Subject     NodeID
	Reporter    NodeID
	Kind        string
	Payload     []byte
	Signature   []byte
	ContentHash string
}

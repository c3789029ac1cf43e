// Package keys derives node addresses from signing keys and computes the
// deterministic content hashes the consensus core signs and compares:
// transaction hashes, observation hashes, and the block base/SOE hashes
// spec §3 defines. Address derivation and signing are grounded on the
// reference tree's utils.DeriveBtcBech32Address/ParseSecp256k1PrivateKey.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"dex/types"
)

// KeyPair bundles a secp256k1 signing key with its derived Address.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Address types.Address
}

// GenerateKeyPair creates a fresh signing key and derives its address.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	addr, err := DeriveAddress(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Address: addr}, nil
}

// ParsePrivateKey accepts either a WIF-encoded key or a 32-byte hex string,
// mirroring the reference tree's ParseSecp256k1PrivateKey.
func ParsePrivateKey(keyStr string) (*secp256k1.PrivateKey, error) {
	if wif, err := btcutil.DecodeWIF(keyStr); err == nil {
		return wif.PrivKey, nil
	}
	raw, err := hex.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid key (neither WIF nor hex): %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// DeriveAddress derives a bech32 P2WPKH address from a secp256k1 key, the
// stable textual identifier spec §3 calls Address.
func DeriveAddress(priv *secp256k1.PrivateKey) (types.Address, error) {
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	return types.Address(addr.String()), nil
}

// Sign produces an ECDSA signature over digest.
func Sign(priv *secp256k1.PrivateKey, digest []byte) []byte {
	sig := ecdsa.Sign(priv, digest)
	return sig.Serialize()
}

// Verify checks an ECDSA signature produced by Sign.
func Verify(pub *secp256k1.PublicKey, digest, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pub)
}

// coinbaseSeed derives the genesis distribution key deterministically so
// every node computes the identical coinbase address without a shared
// secret exchange (spec §4.5: "all three blocks are deterministically
// signed with the same coinbase key").
var coinbaseSeed = sha256.Sum256([]byte("dex/genesis/coinbase"))

// CoinbaseKeyPair returns the deterministic genesis distribution key.
func CoinbaseKeyPair() (*KeyPair, error) {
	priv := secp256k1.PrivKeyFromBytes(coinbaseSeed[:])
	addr, err := DeriveAddress(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Address: addr}, nil
}

// HashTransaction computes the deterministic content-hash of a
// transaction's fields excluding Signature and the hash itself (spec §3).
func HashTransaction(tx types.Transaction) string {
	h := sha256.New()
	h.Write([]byte(tx.Source))
	h.Write([]byte(tx.Destination))
	writeUint64(h, tx.Amount)
	h.Write([]byte(tx.LastTxRef.PrevHash))
	writeUint64(h, tx.LastTxRef.Ordinal)
	writeUint64(h, tx.Ordinal)
	if tx.IsDummy {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashObservation computes the deterministic content-hash of an
// observation's fields excluding Signature.
func HashObservation(obs types.Observation) string {
	h := sha256.New()
	h.Write([]byte(obs.Subject))
	h.Write([]byte(obs.Reporter))
	h.Write([]byte(obs.Kind))
	h.Write(obs.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBlockBase computes the block's base-hash: a content hash over the
// payload (transactions, observations, parent tips) excluding signatures.
// Facilitators sign this hash in Phase 2; Phase 2's tie-break compares it
// lexicographically.
func HashBlockBase(block *types.CheckpointBlock) string {
	h := sha256.New()
	for _, tx := range block.Transactions {
		h.Write([]byte(tx.ContentHash))
	}
	for _, obs := range block.Observations {
		h.Write([]byte(obs.ContentHash))
	}
	for _, edge := range block.ParentTips {
		h.Write([]byte(edge.ReferencedHash))
		writeUint64(h, uint64(edge.EdgeType))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashSOE computes the content hash over a block's signed observation
// edge, used as the SoeHash children reference as a parent tip.
func HashSOE(baseHash string, edge types.TypedEdgeHash) string {
	h := sha256.New()
	h.Write([]byte(baseHash))
	h.Write([]byte(edge.ReferencedHash))
	writeUint64(h, uint64(edge.EdgeType))
	return hex.EncodeToString(h.Sum(nil))
}

func writeUint64(h interface{ Write([]byte) (int, error) }, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	h.Write(b[:])
}

package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/keys"
	"dex/types"
)

func TestTxChainSetLastTransactionExtendsOrdinals(t *testing.T) {
	chain := NewTxChain()
	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	dest, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	sign := func(digest []byte) []byte { return keys.Sign(kp.Private, digest) }

	first := chain.SetLastTransaction(kp.Address, dest.Address, 10, false, sign)
	assert.Equal(t, uint64(1), first.Ordinal)
	assert.True(t, first.LastTxRef.IsEmpty())
	assert.NotEmpty(t, first.ContentHash)
	assert.NotEmpty(t, first.Signature)

	second := chain.SetLastTransaction(kp.Address, dest.Address, 5, false, sign)
	assert.Equal(t, uint64(2), second.Ordinal)
	assert.Equal(t, first.ContentHash, second.LastTxRef.PrevHash)

	assert.Equal(t, second.Ordinal, chain.GetLastRef(kp.Address).Ordinal)
}

func TestTxChainGetLastRefUnknownAddressIsEmpty(t *testing.T) {
	chain := NewTxChain()
	ref := chain.GetLastRef(types.Address("nobody"))
	assert.True(t, ref.IsEmpty())
}

func TestTxChainRecordAcceptedAndPruneBelow(t *testing.T) {
	chain := NewTxChain()
	addr := types.Address("addr-1")

	tx := types.Transaction{Source: addr, ContentHash: "h1", Ordinal: 1}
	chain.RecordAccepted(tx, 10)
	assert.Equal(t, uint64(1), chain.GetLastRef(addr).Ordinal)

	pruned := chain.PruneBelow(5)
	assert.Equal(t, 0, pruned)
	assert.Equal(t, uint64(1), chain.GetLastRef(addr).Ordinal)

	pruned = chain.PruneBelow(20)
	assert.Equal(t, 1, pruned)
	assert.True(t, chain.GetLastRef(addr).IsEmpty())
}

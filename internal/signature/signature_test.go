package signature

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/models"
)

const storageABI = `[
	{"inputs":[],"stateMutability":"nonpayable","type":"constructor"},
	{"inputs":[{"internalType":"uint256","name":"num","type":"uint256"}],"name":"store","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"retrieve","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint256","name":"value","type":"uint256"}],"name":"Stored","type":"event"},
	{"inputs":[{"internalType":"address","name":"caller","type":"address"}],"name":"NotOwner","type":"error"},
	{"stateMutability":"payable","type":"fallback"},
	{"stateMutability":"payable","type":"receive"}
]`

func TestExtract(t *testing.T) {
	sigs, err := Extract([]byte(storageABI))
	require.NoError(t, err)

	byText := make(map[string]models.SignatureType)
	for _, s := range sigs {
		byText[s.Text] = s.Type
	}

	assert.Equal(t, models.SignatureFunction, byText["store(uint256)"])
	assert.Equal(t, models.SignatureFunction, byText["retrieve()"])
	assert.Equal(t, models.SignatureEvent, byText["Stored(uint256)"])
	assert.Equal(t, models.SignatureError, byText["NotOwner(address)"])
	// Constructor, fallback and receive carry no selector.
	assert.Len(t, sigs, 4)
}

func TestExtractSelectorPrefix(t *testing.T) {
	sigs, err := Extract([]byte(storageABI))
	require.NoError(t, err)

	for _, s := range sigs {
		assert.Equal(t, crypto.Keccak256([]byte(s.Text)), s.Hash)
		assert.Len(t, s.Hash, 32)
	}

	// store(uint256) has the well-known selector 6057361d.
	for _, s := range sigs {
		if s.Text == "store(uint256)" {
			assert.Equal(t, "6057361d", hex.EncodeToString(s.Hash[:4]))
		}
	}
}

func TestExtractEmptyABI(t *testing.T) {
	sigs, err := Extract([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, sigs)

	sigs, err = Extract(nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	sigs, err = Extract([]byte(`null`))
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestExtractInvalidABI(t *testing.T) {
	_, err := Extract([]byte(`{"not":"an abi"}`))
	assert.Error(t, err)
}

func TestAnnotateFilter(t *testing.T) {
	good := &models.Signature{
		Text: "transfer(address,uint256)",
		Hash: crypto.Keccak256([]byte("transfer(address,uint256)")),
	}
	bad := &models.Signature{
		Text: "junk_entry(address)",
		Hash: crypto.Keccak256([]byte("something_else()")),
	}

	entries := Annotate([]*models.Signature{good, bad}, false)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Canonical)
	assert.False(t, entries[1].Canonical)

	filtered := Annotate([]*models.Signature{good, bad}, true)
	require.Len(t, filtered, 1)
	assert.Equal(t, good, filtered[0].Signature)
}

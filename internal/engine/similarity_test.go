package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/verification"
)

func similarityCandidate(t *testing.T) *repository.Candidate {
	t.Helper()
	return &repository.Candidate{
		Compilation: models.CompiledContract{
			ID:                 uuid.New(),
			Compiler:           "solc",
			Language:           "solidity",
			Version:            "0.8.20+commit.a1b79de6",
			CompilerSettings:   json.RawMessage(`{"optimizer":{"enabled":false}}`),
			Name:               "A",
			FullyQualifiedName: "a.sol:A",
			RuntimeCodeArtifacts: json.RawMessage(`{
				"cborAuxdata": {"1": {"offset": 2, "value": "0xa2640002"}}
			}`),
		},
		RuntimeCode:  []byte{0x60, 0x80, 0xa2, 0x64, 0x00, 0x02},
		CreationCode: []byte{0x60, 0x0a, 0x60, 0x80, 0xa2, 0x64, 0x00, 0x02},
		Sources:      map[string]string{"a.sol": "contract A {}"},
	}
}

func TestRunSimilarityFirstMatchWins(t *testing.T) {
	te := newTestEngine(t)
	te.verifier.result = matchedResult()

	candidates := &stubCandidates{candidates: []*repository.Candidate{
		similarityCandidate(t),
		similarityCandidate(t),
	}}
	te.engine.candidates = candidates

	run := te.engine.runSimilarity(1337, common.HexToAddress("0xabc"), []byte{0x60, 0x80}, nil)
	result, err := run(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Matched())
	// stops at the first matching candidate
	assert.Equal(t, 1, te.verifier.callCount())
}

func TestRunSimilarityNoCandidateMatches(t *testing.T) {
	te := newTestEngine(t)
	te.verifier.err = verification.NewError(verification.CodeNoMatch, "no match")

	te.engine.candidates = &stubCandidates{candidates: []*repository.Candidate{
		similarityCandidate(t),
	}}

	run := te.engine.runSimilarity(1337, common.HexToAddress("0xabc"), []byte{0x60, 0x80}, nil)
	_, err := run(context.Background())

	var verr *verification.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, verification.CodeNoSimilarMatchFound, verr.Code)
}

func TestRunSimilaritySkipsBrokenCandidates(t *testing.T) {
	te := newTestEngine(t)
	te.verifier.result = matchedResult()

	broken := similarityCandidate(t)
	broken.Compilation.FullyQualifiedName = "no-colon"

	te.engine.candidates = &stubCandidates{candidates: []*repository.Candidate{
		broken,
		similarityCandidate(t),
	}}

	run := te.engine.runSimilarity(1337, common.HexToAddress("0xabc"), []byte{0x60, 0x80}, nil)
	result, err := run(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Matched())
	assert.Equal(t, 1, te.verifier.callCount())
}

func TestSyntheticChainServesPrefetchedEvidence(t *testing.T) {
	runtime := []byte{0x60, 0x80}
	creation := []byte{0x60, 0x0a, 0x60, 0x80}
	txHash := common.HexToHash("0xcafe")
	deployer := common.HexToAddress("0x1234")

	synth := newSyntheticChain(1337, runtime).withCreation(txHash,
		&verification.CreationInfo{CreationBytecode: creation, TransactionIndex: 2},
		&verification.TxInfo{BlockNumber: 7, From: deployer},
	)

	assert.Equal(t, int64(1337), synth.ChainID())

	code, err := synth.GetBytecode(context.Background(), common.HexToAddress("0xabc"))
	require.NoError(t, err)
	assert.Equal(t, runtime, code)

	info, err := synth.GetContractCreationBytecodeAndReceipt(context.Background(), common.HexToAddress("0xabc"), txHash)
	require.NoError(t, err)
	assert.Equal(t, creation, info.CreationBytecode)
	assert.Equal(t, int64(2), info.TransactionIndex)

	tx, err := synth.GetTx(context.Background(), txHash)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tx.BlockNumber)
	assert.Equal(t, deployer, tx.From)

	// unknown hashes have no stored evidence
	_, err = synth.GetTx(context.Background(), common.HexToHash("0xbeef"))
	assert.Error(t, err)
	_, err = synth.GetContractCreationBytecodeAndReceipt(context.Background(), common.HexToAddress("0xabc"), common.HexToHash("0xbeef"))
	assert.Error(t, err)
}

func TestExpandLinkRefs(t *testing.T) {
	raw := json.RawMessage(`{"lib/Math.sol:Math": [1, 40]}`)
	expanded := expandLinkRefs(raw)

	require.Contains(t, expanded, "lib/Math.sol")
	slots := expanded["lib/Math.sol"]["Math"]
	require.Len(t, slots, 2)
	assert.Equal(t, 1, slots[0]["start"])
	assert.Equal(t, 20, slots[0]["length"])
	assert.Equal(t, 40, slots[1]["start"])

	assert.Nil(t, expandLinkRefs(nil))
	assert.Nil(t, expandLinkRefs(json.RawMessage(`broken`)))
}

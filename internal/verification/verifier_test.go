package verification

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/models"
)

type fakeChain struct {
	chainID      int64
	runtimeCode  []byte
	creationInfo *CreationInfo
	txInfo       *TxInfo
	codeErr      error
	creationErr  error
}

func (c *fakeChain) ChainID() int64 { return c.chainID }

func (c *fakeChain) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return c.runtimeCode, c.codeErr
}

func (c *fakeChain) GetTx(ctx context.Context, hash common.Hash) (*TxInfo, error) {
	if c.txInfo == nil {
		return nil, fmt.Errorf("no tx")
	}
	return c.txInfo, nil
}

func (c *fakeChain) GetContractCreationBytecodeAndReceipt(ctx context.Context, address common.Address, txHash common.Hash) (*CreationInfo, error) {
	if c.creationErr != nil {
		return nil, c.creationErr
	}
	return c.creationInfo, nil
}

type fakeCompiler struct {
	output json.RawMessage
	err    error
	calls  int
}

func (c *fakeCompiler) Compile(ctx context.Context, language Language, version string, jsonInput json.RawMessage) (json.RawMessage, error) {
	c.calls++
	return c.output, c.err
}

// fixtureOutput builds a standard JSON output carrying the given bytecodes
// for contracts/Storage.sol:Storage.
func fixtureOutput(t *testing.T, creation, runtime []byte) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"contracts": map[string]any{
			"contracts/Storage.sol": map[string]any{
				"Storage": map[string]any{
					"abi":      []any{},
					"metadata": `{"compiler":{"version":"0.8.20"},"sources":{"contracts/Storage.sol":{}}}`,
					"evm": map[string]any{
						"bytecode":         map[string]any{"object": hex.EncodeToString(creation)},
						"deployedBytecode": map[string]any{"object": hex.EncodeToString(runtime)},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func fixtureInput() json.RawMessage {
	return json.RawMessage(`{
		"language": "Solidity",
		"sources": {"contracts/Storage.sol": {"content": "contract Storage {}"}},
		"settings": {"optimizer": {"enabled": false}, "outputSelection": {"*": {"*": ["abi"]}}}
	}`)
}

func TestVerifyPerfectRuntimeAndCreationMatch(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80, 0x60, 0x40}, []byte{0xa2, 0x64})
	creation := append([]byte{0x60, 0x0a}, runtime...)
	args := []byte{0x00, 0x00, 0x00, 0x2a}

	txHash := common.HexToHash("0xcafe")
	deployer := common.HexToAddress("0x1234")
	chain := &fakeChain{
		chainID:     1337,
		runtimeCode: runtime,
		creationInfo: &CreationInfo{
			CreationBytecode: append(append([]byte{}, creation...), args...),
			TransactionIndex: 3,
		},
		txInfo: &TxInfo{BlockNumber: 42, From: deployer},
	}
	compiler := &fakeCompiler{output: fixtureOutput(t, creation, runtime)}

	v := NewVerifier(compiler)
	result, err := v.Verify(context.Background(), &Compilation{
		Compiler:  "solc",
		Language:  LanguageSolidity,
		Version:   "0.8.20+commit.a1b79de6",
		JSONInput: fixtureInput(),
		Target:    "contracts/Storage.sol:Storage",
	}, chain, common.HexToAddress("0xabc"), &txHash)

	require.NoError(t, err)
	require.NotNil(t, result.RuntimeMatch)
	assert.Equal(t, models.MatchPerfect, *result.RuntimeMatch)
	require.NotNil(t, result.CreationMatch)
	assert.Equal(t, models.MatchPerfect, *result.CreationMatch)
	assert.Equal(t, args, result.ConstructorArguments)
	assert.Equal(t, int64(1337), result.ChainID)
	assert.Equal(t, 1, compiler.calls)

	require.NotNil(t, result.Deployment.BlockNumber)
	assert.Equal(t, int64(42), *result.Deployment.BlockNumber)
	require.NotNil(t, result.Deployment.Deployer)
	assert.Equal(t, deployer, *result.Deployment.Deployer)
	require.NotNil(t, result.Deployment.TransactionIndex)
	assert.Equal(t, int64(3), *result.Deployment.TransactionIndex)

	// output selection strip keeps dedup stable
	assert.NotContains(t, string(result.Compilation.Settings), "outputSelection")
	assert.Contains(t, string(result.Compilation.Settings), "optimizer")
}

func TestVerifyPreRunSkipsCompiler(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64})
	creation := append([]byte{0x60, 0x0a}, runtime...)

	chain := &fakeChain{chainID: 1, runtimeCode: runtime}
	compiler := &fakeCompiler{}

	v := NewVerifier(compiler)
	result, err := v.Verify(context.Background(), &Compilation{
		Compiler:   "solc",
		Language:   LanguageSolidity,
		Version:    "0.8.20+commit.a1b79de6",
		JSONInput:  fixtureInput(),
		Target:     "contracts/Storage.sol:Storage",
		PreRun:     true,
		JSONOutput: fixtureOutput(t, creation, runtime),
	}, chain, common.HexToAddress("0xabc"), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, compiler.calls)
	require.NotNil(t, result.RuntimeMatch)
	assert.Equal(t, models.MatchPerfect, *result.RuntimeMatch)
	assert.Nil(t, result.CreationMatch)
}

func TestVerifyCompilerDiagnosticsSurface(t *testing.T) {
	output := json.RawMessage(`{
		"errors": [
			{"severity": "warning", "type": "Warning", "formattedMessage": "unused variable"},
			{"severity": "error", "type": "ParserError", "formattedMessage": "ParserError: Expected ';'"}
		]
	}`)
	chain := &fakeChain{chainID: 1, runtimeCode: []byte{0x60}}
	v := NewVerifier(&fakeCompiler{output: output})

	_, err := v.Verify(context.Background(), &Compilation{
		Language:  LanguageSolidity,
		JSONInput: fixtureInput(),
		Target:    "contracts/Storage.sol:Storage",
	}, chain, common.HexToAddress("0xabc"), nil)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeCompilerError, verr.Code)

	var data struct {
		CompilerErrors []CompilerDiagnostic `json:"compilerErrors"`
	}
	require.NoError(t, json.Unmarshal(verr.Data, &data))
	require.Len(t, data.CompilerErrors, 1)
	assert.Contains(t, data.CompilerErrors[0].FormattedMessage, "ParserError: Expected ';'")
}

func TestVerifyContractNotDeployed(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64})
	chain := &fakeChain{chainID: 1, runtimeCode: nil}
	v := NewVerifier(&fakeCompiler{output: fixtureOutput(t, runtime, runtime)})

	_, err := v.Verify(context.Background(), &Compilation{
		Language:  LanguageSolidity,
		JSONInput: fixtureInput(),
		Target:    "contracts/Storage.sol:Storage",
	}, chain, common.HexToAddress("0xabc"), nil)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeContractNotDeployed, verr.Code)
}

func TestVerifyBadCreatorTxPreservesRuntimeMatch(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64})
	creation := append([]byte{0x60, 0x0a}, runtime...)

	txHash := common.HexToHash("0xbad")
	chain := &fakeChain{
		chainID:     1,
		runtimeCode: runtime,
		creationErr: fmt.Errorf("tx created a different address"),
	}
	v := NewVerifier(&fakeCompiler{output: fixtureOutput(t, creation, runtime)})

	result, err := v.Verify(context.Background(), &Compilation{
		Language:  LanguageSolidity,
		JSONInput: fixtureInput(),
		Target:    "contracts/Storage.sol:Storage",
	}, chain, common.HexToAddress("0xabc"), &txHash)

	require.NoError(t, err)
	require.NotNil(t, result.RuntimeMatch)
	assert.Nil(t, result.CreationMatch)
	assert.Nil(t, result.ConstructorArguments)
}

func TestVerifyMismatchWithMissingSourcesIsExtraFileInputBug(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64})
	onchain := buildCode([]byte{0x60, 0x81}, []byte{0xa2, 0x64})

	// metadata lists a source the input does not carry
	output := fixtureOutput(t, runtime, runtime)
	chain := &fakeChain{chainID: 1, runtimeCode: onchain}

	input := json.RawMessage(`{
		"language": "Solidity",
		"sources": {"contracts/Other.sol": {"content": "contract Other {}"}},
		"settings": {}
	}`)

	v := NewVerifier(&fakeCompiler{output: output})
	_, err := v.Verify(context.Background(), &Compilation{
		Language:  LanguageSolidity,
		JSONInput: input,
		Target:    "contracts/Storage.sol:Storage",
	}, chain, common.HexToAddress("0xabc"), nil)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeExtraFileInputBug, verr.Code)
}

func TestVerifyPlainMismatch(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64})
	onchain := buildCode([]byte{0x60, 0x81}, []byte{0xa2, 0x64})

	chain := &fakeChain{chainID: 1, runtimeCode: onchain}
	v := NewVerifier(&fakeCompiler{output: fixtureOutput(t, runtime, runtime)})

	_, err := v.Verify(context.Background(), &Compilation{
		Language:  LanguageSolidity,
		JSONInput: fixtureInput(),
		Target:    "contracts/Storage.sol:Storage",
	}, chain, common.HexToAddress("0xabc"), nil)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeNoMatch, verr.Code)
}

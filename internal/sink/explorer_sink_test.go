package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/verification"
)

func explorerResult(language verification.Language) *verification.Result {
	status := models.MatchPerfect
	return &verification.Result{
		ChainID:      1337,
		Address:      common.HexToAddress("0x00000000000000000000000000000000000abc00"),
		RuntimeMatch: &status,
		Compilation: verification.CompilationOutput{
			Language:           language,
			Version:            "0.8.26+commit.8a97fa7a",
			FullyQualifiedName: "contracts/Storage.sol:Storage",
			JSONInput:          json.RawMessage(`{"language":"Solidity","sources":{}}`),
		},
		ConstructorArguments: []byte{0xbe, 0xef},
	}
}

// etherscanDirectory serves a chainlist response pointing chain 1337 at apiURL.
func etherscanDirectory(t *testing.T, apiURL string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":[{"chainid":"1337","apiurl":%q,"blockexplorer":"https://testnet.example"}]}`, apiURL)
	}))
}

func initEtherscanSink(t *testing.T, api *httptest.Server, cfg config.ExternalVerifierConfig) *ExplorerSink {
	t.Helper()
	directory := etherscanDirectory(t, api.URL)
	t.Cleanup(directory.Close)

	s := NewExplorerSink(FamilyEtherscan, cfg).WithDirectoryURL(directory.URL)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestExplorerSinkSubmitsVerifySourceCodeForm(t *testing.T) {
	var received map[string]string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		received = map[string]string{}
		for k := range r.PostForm {
			received[k] = r.PostForm.Get(k)
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":"guid-abc123"}`)
	}))
	t.Cleanup(api.Close)

	s := initEtherscanSink(t, api, config.ExternalVerifierConfig{DefaultAPIKey: "test-key"})

	jobCtx := NewJobContext(uuid.New(), "trace-1")
	require.NoError(t, s.StoreVerification(context.Background(), explorerResult(verification.LanguageSolidity), jobCtx))

	assert.Equal(t, "contract", received["module"])
	assert.Equal(t, "verifysourcecode", received["action"])
	assert.Equal(t, explorerResult(verification.LanguageSolidity).Address.Hex(), received["contractaddress"])
	assert.Equal(t, "contracts/Storage.sol:Storage", received["contractname"])
	assert.Equal(t, "v0.8.26+commit.8a97fa7a", received["compilerversion"])
	assert.Equal(t, "solidity-standard-json-input", received["codeformat"])
	// no 0x prefix on the constructor arguments
	assert.Equal(t, "beef", received["constructorArguements"])
	assert.Equal(t, "test-key", received["apikey"])

	assert.Equal(t, "guid-abc123", jobCtx.External[string(EtherscanVerify)])
}

func TestExplorerSinkAlreadyVerifiedIsNotAnError(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Contract source code already verified"}`)
	}))
	t.Cleanup(api.Close)

	s := initEtherscanSink(t, api, config.ExternalVerifierConfig{})

	jobCtx := NewJobContext(uuid.New(), "trace-2")
	require.NoError(t, s.StoreVerification(context.Background(), explorerResult(verification.LanguageSolidity), jobCtx))
	assert.Equal(t, ReceiptAlreadyVerified, jobCtx.External[string(EtherscanVerify)])
}

func TestExplorerSinkRejectionRecordsErrorReceipt(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`)
	}))
	t.Cleanup(api.Close)

	s := initEtherscanSink(t, api, config.ExternalVerifierConfig{})

	jobCtx := NewJobContext(uuid.New(), "trace-3")
	err := s.StoreVerification(context.Background(), explorerResult(verification.LanguageSolidity), jobCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API Key")
	assert.Contains(t, jobCtx.External[string(EtherscanVerify)], "Invalid API Key")
}

func TestExplorerSinkUnknownChain(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no submission expected")
	}))
	t.Cleanup(api.Close)

	s := initEtherscanSink(t, api, config.ExternalVerifierConfig{})

	result := explorerResult(verification.LanguageSolidity)
	result.ChainID = 424242
	err := s.StoreVerification(context.Background(), result, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "424242")
}

func TestExplorerSinkRoutescanRejectsVyper(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"chainId":1337,"apiUrl":"https://api.example","explorerUrl":"https://explorer.example"}]}`)
	}))
	t.Cleanup(directory.Close)

	s := NewExplorerSink(FamilyRoutescan, config.ExternalVerifierConfig{}).WithDirectoryURL(directory.URL)
	require.NoError(t, s.Init(context.Background()))

	err := s.StoreVerification(context.Background(), explorerResult(verification.LanguageVyper), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vyper")
}

func TestParseDirectoryBlockscout(t *testing.T) {
	body := []byte(`{
		"1337": {"explorers": [{"url": "https://blockscout.example/"}]},
		"10": {"explorers": []},
		"bad": {"explorers": [{"url": "https://x"}]}
	}`)

	endpoints, err := parseDirectory(FamilyBlockscout, body)
	require.NoError(t, err)

	require.Len(t, endpoints, 1)
	assert.Equal(t, "https://blockscout.example/api", endpoints[1337].APIURL)
	assert.Equal(t, "https://blockscout.example", endpoints[1337].ExplorerURL)
}

func TestParseDirectoryUnknownFamily(t *testing.T) {
	_, err := parseDirectory(ExplorerFamily("geocities"), []byte(`{}`))
	require.Error(t, err)
}

func TestCompilerVersionParam(t *testing.T) {
	solidity := explorerResult(verification.LanguageSolidity)
	assert.Equal(t, "v0.8.26+commit.8a97fa7a", compilerVersionParam(solidity))

	solidity.Compilation.Version = "v0.8.26+commit.8a97fa7a"
	assert.Equal(t, "v0.8.26+commit.8a97fa7a", compilerVersionParam(solidity))

	vyper := explorerResult(verification.LanguageVyper)
	vyper.Compilation.Version = "0.3.10"
	assert.Equal(t, "vyper:0.3.10", compilerVersionParam(vyper))
}

package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/verification"
)

var importAddress = common.HexToAddress("0x00000000000000000000000000000000000abc00")

// sourceRow renders a getsourcecode response with one result row.
func sourceRow(t *testing.T, row map[string]string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"status":  "1",
		"message": "OK",
		"result":  []map[string]string{row},
	})
	require.NoError(t, err)
	return string(raw)
}

func importerFor(t *testing.T, handler http.HandlerFunc) *EtherscanImporter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewEtherscanImporter().WithBaseURL(server.URL)
}

func apiCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Code
}

func TestFetchStandardJSONInput(t *testing.T) {
	stdInput := `{"language":"Solidity","sources":{"contracts/Storage.sol":{"content":"contract Storage {}"}},"settings":{"optimizer":{"enabled":true,"runs":200}}}`

	var query map[string]string
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		fmt.Fprint(w, sourceRow(t, map[string]string{
			"SourceCode":           "{" + stdInput + "}",
			"ContractName":         "Storage",
			"CompilerVersion":      "v0.8.26+commit.8a97fa7a",
			"ConstructorArguments": "dead",
		}))
	})

	res, err := imp.Fetch(context.Background(), 11155111, importAddress, "key-1")
	require.NoError(t, err)

	assert.Equal(t, "11155111", query["chainid"])
	assert.Equal(t, "getsourcecode", query["action"])
	assert.Equal(t, importAddress.Hex(), query["address"])
	assert.Equal(t, "key-1", query["apikey"])

	assert.Equal(t, verification.LanguageSolidity, res.Language)
	assert.Equal(t, "v0.8.26+commit.8a97fa7a", res.CompilerVersion)
	assert.Equal(t, "contracts/Storage.sol:Storage", res.Target)
	assert.JSONEq(t, stdInput, string(res.JSONInput))
	assert.Equal(t, []byte{0xde, 0xad}, res.ConstructorArguments)
}

func TestFetchBareSourcesObject(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sourceRow(t, map[string]string{
			"SourceCode":       `{"contracts/Token.sol":{"content":"contract Token {}"},"contracts/Lib.sol":{"content":"library Lib {}"}}`,
			"ContractName":     "Token",
			"CompilerVersion":  "v0.8.19+commit.7dd6d404",
			"OptimizationUsed": "1",
			"Runs":             "500",
			"EVMVersion":       "paris",
		}))
	})

	res, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.NoError(t, err)

	assert.Equal(t, "contracts/Token.sol:Token", res.Target)

	var input struct {
		Language string `json:"language"`
		Sources  map[string]struct {
			Content string `json:"content"`
		} `json:"sources"`
		Settings struct {
			Optimizer struct {
				Enabled bool `json:"enabled"`
				Runs    int  `json:"runs"`
			} `json:"optimizer"`
			EVMVersion string `json:"evmVersion"`
		} `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(res.JSONInput, &input))
	assert.Equal(t, "Solidity", input.Language)
	assert.Len(t, input.Sources, 2)
	assert.True(t, input.Settings.Optimizer.Enabled)
	assert.Equal(t, 500, input.Settings.Optimizer.Runs)
	assert.Equal(t, "paris", input.Settings.EVMVersion)
}

func TestFetchFlatSingleFile(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sourceRow(t, map[string]string{
			"SourceCode":       "pragma solidity ^0.8.0; contract Counter {}",
			"ContractName":     "Counter",
			"CompilerVersion":  "v0.8.21+commit.d9974bed",
			"OptimizationUsed": "0",
			"Runs":             "",
		}))
	})

	res, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.NoError(t, err)

	assert.Equal(t, "Counter.sol:Counter", res.Target)

	var input struct {
		Sources map[string]struct {
			Content string `json:"content"`
		} `json:"sources"`
		Settings struct {
			Optimizer struct {
				Enabled bool `json:"enabled"`
				Runs    int  `json:"runs"`
			} `json:"optimizer"`
		} `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(res.JSONInput, &input))
	require.Contains(t, input.Sources, "Counter.sol")
	assert.False(t, input.Settings.Optimizer.Enabled)
	assert.Equal(t, 200, input.Settings.Optimizer.Runs)
}

func TestFetchVyperVersionMapping(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sourceRow(t, map[string]string{
			"SourceCode":      `{{"language":"Vyper","sources":{"contracts/pool.vy":{"content":"interface Pool"}}}}`,
			"ContractName":    "Pool",
			"CompilerVersion": "vyper:0.3.10",
		}))
	})

	res, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.NoError(t, err)
	assert.Equal(t, verification.LanguageVyper, res.Language)
	assert.Equal(t, "0.3.10", res.CompilerVersion)
}

func TestFetchNotVerified(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sourceRow(t, map[string]string{
			"SourceCode":   "",
			"ContractName": "",
		}))
	})

	_, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeEtherscanNotVerified, apiCode(t, err))
}

func TestFetchRateLimited(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)
	})

	_, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeEtherscanRateLimit, apiCode(t, err))
}

func TestFetchUpstreamHTTPError(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeEtherscanHTTPError, apiCode(t, err))
}

func TestFetchFlatVyperHasNoSettings(t *testing.T) {
	imp := importerFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sourceRow(t, map[string]string{
			"SourceCode":      "# @version 0.3.7\n",
			"ContractName":    "pool",
			"CompilerVersion": "vyper:0.3.7",
		}))
	})

	_, err := imp.Fetch(context.Background(), 1, importAddress, "")
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeEtherscanMissingVyperSettings, apiCode(t, err))
}

// Package explorer imports verified source packages from block explorer APIs.
package explorer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/verification"
)

const etherscanAPIBase = "https://api.etherscan.io/v2/api"

// EtherscanImporter fetches verified sources through the Etherscan v2 API,
// which multiplexes chains behind one endpoint.
type EtherscanImporter struct {
	baseURL string
	client  *http.Client
}

// NewEtherscanImporter creates the importer.
func NewEtherscanImporter() *EtherscanImporter {
	return &EtherscanImporter{
		baseURL: etherscanAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBaseURL overrides the API location (tests).
func (i *EtherscanImporter) WithBaseURL(u string) *EtherscanImporter {
	i.baseURL = u
	return i
}

// etherscanSource is one row of the getsourcecode result.
type etherscanSource struct {
	SourceCode           string `json:"SourceCode"`
	ContractName         string `json:"ContractName"`
	CompilerVersion      string `json:"CompilerVersion"`
	OptimizationUsed     string `json:"OptimizationUsed"`
	Runs                 string `json:"Runs"`
	ConstructorArguments string `json:"ConstructorArguments"`
	EVMVersion           string `json:"EVMVersion"`
}

// Fetch implements verification.ExplorerImporter.
func (i *EtherscanImporter) Fetch(ctx context.Context, chainID int64, address common.Address, apiKey string) (*verification.ExplorerResult, error) {
	params := url.Values{}
	params.Set("chainid", fmt.Sprintf("%d", chainID))
	params.Set("module", "contract")
	params.Set("action", "getsourcecode")
	params.Set("address", address.Hex())
	if apiKey != "" {
		params.Set("apikey", apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeEtherscanHTTPError, 502, err.Error())
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeEtherscanHTTPError, 502, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeEtherscanHTTPError, 502, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierrors.New(apierrors.CodeEtherscanHTTPError, 502,
			fmt.Sprintf("etherscan returned %d", resp.StatusCode))
	}

	var payload struct {
		Status  string            `json:"status"`
		Message string            `json:"message"`
		Result  []etherscanSource `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// rate-limit responses carry a string result instead of a list
		if strings.Contains(strings.ToLower(string(body)), "rate limit") {
			return nil, apierrors.New(apierrors.CodeEtherscanRateLimit, 429, "etherscan rate limit reached")
		}
		return nil, apierrors.New(apierrors.CodeEtherscanAPIError, 502, "unexpected etherscan response")
	}
	if payload.Status != "1" {
		if strings.Contains(strings.ToLower(payload.Message), "rate limit") {
			return nil, apierrors.New(apierrors.CodeEtherscanRateLimit, 429, "etherscan rate limit reached")
		}
		return nil, apierrors.New(apierrors.CodeEtherscanAPIError, 502, payload.Message)
	}
	if len(payload.Result) == 0 || payload.Result[0].SourceCode == "" {
		return nil, apierrors.New(apierrors.CodeEtherscanNotVerified, 404,
			fmt.Sprintf("contract %s is not verified on etherscan", address.Hex()))
	}

	return buildResult(&payload.Result[0])
}

// buildResult converts an etherscan source row into the uniform explorer
// result. Etherscan encodes three different shapes into the SourceCode field.
func buildResult(src *etherscanSource) (*verification.ExplorerResult, error) {
	language := verification.LanguageSolidity
	version := src.CompilerVersion
	if strings.HasPrefix(version, "vyper:") {
		language = verification.LanguageVyper
		version = mapVyperVersion(version)
		if version == "" {
			return nil, apierrors.New(apierrors.CodeEtherscanVyperVersionMapping, 502,
				fmt.Sprintf("cannot map vyper version %q", src.CompilerVersion))
		}
	}

	constructorArgs, err := hex.DecodeString(strings.TrimPrefix(src.ConstructorArguments, "0x"))
	if err != nil {
		constructorArgs = nil
	}

	jsonInput, target, err := buildJSONInput(src, language)
	if err != nil {
		return nil, err
	}

	return &verification.ExplorerResult{
		Language:             language,
		CompilerVersion:      version,
		ContractName:         src.ContractName,
		Target:               target,
		JSONInput:            jsonInput,
		ConstructorArguments: constructorArgs,
	}, nil
}

// buildJSONInput normalizes the three SourceCode encodings into one standard
// JSON input: a double-braced standard input, a sources-only JSON object, or
// a flat single file.
func buildJSONInput(src *etherscanSource, language verification.Language) (json.RawMessage, string, error) {
	code := strings.TrimSpace(src.SourceCode)

	// Standard JSON input double-wrapped in braces.
	if strings.HasPrefix(code, "{{") && strings.HasSuffix(code, "}}") {
		inner := code[1 : len(code)-1]
		if !json.Valid([]byte(inner)) {
			return nil, "", apierrors.New(apierrors.CodeEtherscanAPIError, 502,
				"malformed standard json input in etherscan response")
		}
		target, err := findTarget([]byte(inner), src.ContractName)
		if err != nil {
			return nil, "", err
		}
		return json.RawMessage(inner), target, nil
	}

	// Bare sources object.
	if strings.HasPrefix(code, "{") {
		var sources map[string]struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(code), &sources); err == nil && len(sources) > 0 {
			return assembleInput(language, sourcesToMap(sources), src)
		}
	}

	if language == verification.LanguageVyper {
		// Flat Vyper files carry no settings; nothing to compile against.
		return nil, "", apierrors.New(apierrors.CodeEtherscanMissingVyperSettings, 502,
			"etherscan response carries no vyper settings")
	}

	// Flat single Solidity file.
	fileName := src.ContractName + ".sol"
	return assembleInput(language, map[string]string{fileName: code}, src)
}

func sourcesToMap(sources map[string]struct {
	Content string `json:"content"`
}) map[string]string {
	out := make(map[string]string, len(sources))
	for path, s := range sources {
		out[path] = s.Content
	}
	return out
}

// assembleInput builds a standard JSON input from flat sources plus the
// optimizer columns of the response.
func assembleInput(language verification.Language, sources map[string]string, src *etherscanSource) (json.RawMessage, string, error) {
	target := ""
	for path := range sources {
		if strings.HasSuffix(path, "/"+src.ContractName+".sol") || path == src.ContractName+".sol" {
			target = path + ":" + src.ContractName
			break
		}
	}
	if target == "" {
		// fall back to the first file
		for path := range sources {
			target = path + ":" + src.ContractName
			break
		}
	}
	if target == "" {
		return nil, "", apierrors.New(apierrors.CodeEtherscanMissingContractInJSON, 502,
			fmt.Sprintf("contract %s not present in etherscan sources", src.ContractName))
	}

	inputSources := make(map[string]map[string]string, len(sources))
	for path, content := range sources {
		inputSources[path] = map[string]string{"content": content}
	}
	settings := map[string]any{
		"optimizer": map[string]any{
			"enabled": src.OptimizationUsed == "1",
			"runs":    atoiOr(src.Runs, 200),
		},
	}
	if src.EVMVersion != "" && !strings.EqualFold(src.EVMVersion, "default") {
		settings["evmVersion"] = strings.ToLower(src.EVMVersion)
	}

	languageField := "Solidity"
	if language == verification.LanguageVyper {
		languageField = "Vyper"
	}
	raw, err := json.Marshal(map[string]any{
		"language": languageField,
		"sources":  inputSources,
		"settings": settings,
	})
	if err != nil {
		return nil, "", err
	}
	return raw, target, nil
}

// findTarget locates the file defining ContractName inside a standard JSON
// input's sources.
func findTarget(input []byte, contractName string) (string, error) {
	var probe struct {
		Sources map[string]struct {
			Content string `json:"content"`
		} `json:"sources"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return "", apierrors.New(apierrors.CodeEtherscanAPIError, 502, "malformed sources in etherscan response")
	}
	for path, s := range probe.Sources {
		if strings.Contains(s.Content, "contract "+contractName) ||
			strings.Contains(s.Content, "library "+contractName) ||
			strings.Contains(s.Content, "interface "+contractName) {
			return path + ":" + contractName, nil
		}
	}
	return "", apierrors.New(apierrors.CodeEtherscanMissingContractInJSON, 502,
		fmt.Sprintf("contract %s not present in etherscan sources", contractName))
}

// mapVyperVersion converts "vyper:0.3.7" into the installed version spelling.
func mapVyperVersion(version string) string {
	trimmed := strings.TrimPrefix(version, "vyper:")
	if trimmed == "" {
		return ""
	}
	return trimmed
}

func atoiOr(s string, fallback int) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	if s == "" {
		return fallback
	}
	return n
}

var _ verification.ExplorerImporter = (*EtherscanImporter)(nil)

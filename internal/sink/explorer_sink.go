package sink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/verification"
)

// ReceiptAlreadyVerified is the reserved receipt id recorded when an explorer
// reports the contract as already verified, so the presentation layer can
// tell it apart from a fresh submission guid.
const ReceiptAlreadyVerified = "already_verified"

// ExplorerFamily selects endpoint shape and capability set.
type ExplorerFamily string

const (
	FamilyEtherscan  ExplorerFamily = "etherscan"
	FamilyBlockscout ExplorerFamily = "blockscout"
	FamilyRoutescan  ExplorerFamily = "routescan"
)

// ExplorerEndpoints is one chain's resolved endpoint pair.
type ExplorerEndpoints struct {
	APIURL      string `json:"apiUrl"`
	ExplorerURL string `json:"explorerUrl"`
}

// ExplorerSink submits verified artifacts to a third-party explorer
// verification API. The per-chain endpoint table is resolved once at Init
// from the family's published chain directory.
type ExplorerSink struct {
	id           Identifier
	family       ExplorerFamily
	cfg          config.ExternalVerifierConfig
	directoryURL string
	client       *http.Client
	endpoints    map[int64]ExplorerEndpoints
}

// Directory service locations per family.
const (
	etherscanDirectoryURL  = "https://api.etherscan.io/v2/chainlist"
	blockscoutDirectoryURL = "https://chains.blockscout.com/api/chains"
	routescanDirectoryURL  = "https://api.routescan.io/v2/network/mainnet/evm/all/blockchains"
)

// NewExplorerSink creates a submitter for the given family.
func NewExplorerSink(family ExplorerFamily, cfg config.ExternalVerifierConfig) *ExplorerSink {
	s := &ExplorerSink{
		family: family,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	switch family {
	case FamilyEtherscan:
		s.id = EtherscanVerify
		s.directoryURL = etherscanDirectoryURL
	case FamilyBlockscout:
		s.id = BlockscoutVerify
		s.directoryURL = blockscoutDirectoryURL
	case FamilyRoutescan:
		s.id = RoutescanVerify
		s.directoryURL = routescanDirectoryURL
	}
	return s
}

// WithDirectoryURL overrides the directory location (tests).
func (s *ExplorerSink) WithDirectoryURL(u string) *ExplorerSink {
	s.directoryURL = u
	return s
}

// Identifier implements WriteSink.
func (s *ExplorerSink) Identifier() Identifier {
	return s.id
}

// Init fetches the chain directory and builds the per-chain endpoint table.
func (s *ExplorerSink) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.directoryURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: fetch chain directory: %w", s.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: chain directory returned %d", s.id, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	endpoints, err := parseDirectory(s.family, body)
	if err != nil {
		return fmt.Errorf("%s: parse chain directory: %w", s.id, err)
	}
	s.endpoints = endpoints
	return nil
}

// parseDirectory decodes the family-specific directory payload into the
// uniform endpoint table.
func parseDirectory(family ExplorerFamily, body []byte) (map[int64]ExplorerEndpoints, error) {
	endpoints := make(map[int64]ExplorerEndpoints)

	switch family {
	case FamilyEtherscan:
		var payload struct {
			Result []struct {
				ChainID       string `json:"chainid"`
				APIURL        string `json:"apiurl"`
				BlockExplorer string `json:"blockexplorer"`
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		for _, c := range payload.Result {
			id, err := strconv.ParseInt(c.ChainID, 10, 64)
			if err != nil {
				continue
			}
			endpoints[id] = ExplorerEndpoints{APIURL: c.APIURL, ExplorerURL: c.BlockExplorer}
		}

	case FamilyBlockscout:
		var payload map[string]struct {
			Explorers []struct {
				URL string `json:"url"`
			} `json:"explorers"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		for rawID, c := range payload {
			id, err := strconv.ParseInt(rawID, 10, 64)
			if err != nil || len(c.Explorers) == 0 {
				continue
			}
			base := strings.TrimSuffix(c.Explorers[0].URL, "/")
			endpoints[id] = ExplorerEndpoints{APIURL: base + "/api", ExplorerURL: base}
		}

	case FamilyRoutescan:
		var payload struct {
			Items []struct {
				ChainID     int64  `json:"chainId"`
				APIURL      string `json:"apiUrl"`
				ExplorerURL string `json:"explorerUrl"`
			} `json:"items"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		for _, c := range payload.Items {
			endpoints[c.ChainID] = ExplorerEndpoints{APIURL: c.APIURL, ExplorerURL: c.ExplorerURL}
		}

	default:
		return nil, fmt.Errorf("unknown explorer family %q", family)
	}
	return endpoints, nil
}

// StoreVerification implements WriteSink: submits the standard JSON input to
// the explorer's verification API and records the receipt on the job.
func (s *ExplorerSink) StoreVerification(ctx context.Context, result *verification.Result, jobCtx *JobContext) error {
	ep, ok := s.endpoints[result.ChainID]
	if !ok {
		return fmt.Errorf("%s: chain %d not present in explorer directory", s.id, result.ChainID)
	}

	isVyper := result.Compilation.Language == verification.LanguageVyper
	if isVyper && s.family == FamilyRoutescan {
		return fmt.Errorf("%s: vyper verification is not supported by this explorer family", s.id)
	}

	var receipt string
	var err error
	if isVyper && s.family == FamilyBlockscout {
		// Blockscout verifies Vyper through a different endpoint shape.
		receipt, err = s.submitBlockscoutVyper(ctx, ep, result)
	} else {
		receipt, err = s.submitForm(ctx, ep, result)
	}

	if jobCtx != nil {
		if err != nil {
			jobCtx.External[string(s.id)] = err.Error()
		} else {
			jobCtx.External[string(s.id)] = receipt
		}
	}
	return err
}

// submitForm posts the form-encoded verifysourcecode request used by the
// Etherscan-compatible families.
func (s *ExplorerSink) submitForm(ctx context.Context, ep ExplorerEndpoints, result *verification.Result) (string, error) {
	form := url.Values{}
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("contractaddress", result.Address.Hex())
	form.Set("contractname", result.Compilation.FullyQualifiedName)
	form.Set("compilerversion", compilerVersionParam(result))
	form.Set("sourceCode", string(result.Compilation.JSONInput))
	if result.Compilation.Language == verification.LanguageVyper {
		form.Set("codeformat", "vyper-json")
	} else {
		form.Set("codeformat", "solidity-standard-json-input")
	}
	if len(result.ConstructorArguments) > 0 {
		// The API expects the arguments without the 0x prefix, under its
		// historically misspelled field name.
		form.Set("constructorArguements", hex.EncodeToString(result.ConstructorArguments))
	}
	if key := s.cfg.APIKey(result.ChainID); key != "" {
		form.Set("apikey", key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: submit: %w", s.id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: submit returned %d", s.id, resp.StatusCode)
	}

	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", s.id, err)
	}

	if payload.Status == "1" {
		return payload.Result, nil
	}
	if strings.Contains(strings.ToLower(payload.Result), "already verified") {
		return ReceiptAlreadyVerified, nil
	}
	return "", fmt.Errorf("%s: %s", s.id, payload.Result)
}

// submitBlockscoutVyper posts the JSON-bodied Vyper verification request.
func (s *ExplorerSink) submitBlockscoutVyper(ctx context.Context, ep ExplorerEndpoints, result *verification.Result) (string, error) {
	endpoint := fmt.Sprintf("%s/v2/smart-contracts/%s/verification/via/vyper-standard-input",
		strings.TrimSuffix(ep.APIURL, "/api"), strings.ToLower(result.Address.Hex()))

	payload := map[string]any{
		"compiler_version": strings.TrimPrefix(compilerVersionParam(result), "vyper:"),
		"input":            json.RawMessage(result.Compilation.JSONInput),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(raw)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: submit vyper: %w", s.id, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		if strings.Contains(strings.ToLower(string(body)), "already verified") {
			return ReceiptAlreadyVerified, nil
		}
		return "", fmt.Errorf("%s: vyper submit returned %d", s.id, resp.StatusCode)
	}

	var decoded struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &decoded)
	if decoded.Message == "" {
		decoded.Message = "accepted"
	}
	return decoded.Message, nil
}

// compilerVersionParam renders the version the way the explorer APIs expect:
// a v prefix for Solidity, a vyper: prefix for Vyper.
func compilerVersionParam(result *verification.Result) string {
	version := result.Compilation.Version
	if result.Compilation.Language == verification.LanguageVyper {
		return "vyper:" + strings.TrimPrefix(version, "vyper:")
	}
	if !strings.HasPrefix(version, "v") {
		return "v" + version
	}
	return version
}

var _ WriteSink = (*ExplorerSink)(nil)

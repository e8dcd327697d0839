package handler

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainproof/verifier/internal/models"
	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/pkg/response"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/signature"
	"github.com/chainproof/verifier/internal/sink"
)

// LookupHandler serves the read path: stored matches, source files and the
// selector index.
type LookupHandler struct {
	policy     *sink.Policy
	signatures repository.SignatureRepository
}

// NewLookupHandler creates a new lookup handler.
func NewLookupHandler(policy *sink.Policy, signatures repository.SignatureRepository) *LookupHandler {
	return &LookupHandler{policy: policy, signatures: signatures}
}

// ContractResponse is the body of GET /contracts/{chainId}/{address}.
type ContractResponse struct {
	ChainID            string  `json:"chainId"`
	Address            string  `json:"address"`
	Match              *string `json:"match"`
	RuntimeMatch       *string `json:"runtimeMatch"`
	CreationMatch      *string `json:"creationMatch"`
	VerifiedContractID int64   `json:"verifiedContractId"`
	FullyQualifiedName string  `json:"fullyQualifiedName"`
	BlockNumber        *int64  `json:"blockNumber,omitempty"`
	TransactionHash    string  `json:"transactionHash,omitempty"`
	Deployer           string  `json:"deployer,omitempty"`
}

// GetContract handles GET /contracts/{chainId}/{address}. With onlyPerfect
// set, deployments without a perfect status on either axis report not found.
func (h *LookupHandler) GetContract(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := deploymentParams(w, r)
	if !ok {
		return
	}
	onlyPerfect := r.URL.Query().Get("onlyPerfect") == "true"

	view, err := h.policy.Read().GetByChainAndAddress(r.Context(), chainID, address.Bytes(), onlyPerfect)
	if err != nil {
		response.InternalError(w)
		return
	}
	if view == nil {
		response.Error(w, apierrors.ErrNotFound.WithMessage("contract is not verified"))
		return
	}

	resp := ContractResponse{
		ChainID:            strconv.FormatInt(chainID, 10),
		Address:            address.Hex(),
		Match:              matchString(bestStatus(view.Match.RuntimeMatch, view.Match.CreationMatch)),
		RuntimeMatch:       matchString(view.Match.RuntimeMatch),
		CreationMatch:      matchString(view.Match.CreationMatch),
		VerifiedContractID: view.Match.VerifiedContractID,
		FullyQualifiedName: view.FullyQualifiedName,
		BlockNumber:        view.Deployment.BlockNumber,
	}
	if len(view.Deployment.TransactionHash) > 0 {
		resp.TransactionHash = common.BytesToHash(view.Deployment.TransactionHash).Hex()
	}
	if len(view.Deployment.Deployer) > 0 {
		resp.Deployer = common.BytesToAddress(view.Deployment.Deployer).Hex()
	}
	response.OK(w, resp)
}

// GetFiles handles GET /contracts/{chainId}/{address}/files.
func (h *LookupHandler) GetFiles(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := deploymentParams(w, r)
	if !ok {
		return
	}

	files, err := h.policy.Read().GetFiles(r.Context(), chainID, address.Bytes())
	if err != nil {
		response.InternalError(w)
		return
	}
	if len(files) == 0 {
		response.Error(w, apierrors.ErrNotFound.WithMessage("contract is not verified"))
		return
	}
	response.OK(w, map[string]any{"files": files})
}

// SignatureResponse is one selector lookup result.
type SignatureResponse struct {
	Signature string `json:"signature"`
	Hash      string `json:"hash"`
	Hash4     string `json:"hash4"`
	Canonical bool   `json:"canonical"`
}

// LookupSignature handles GET /signatures/lookup?hash=0x...&filter=true.
// A 4-byte hash returns every colliding signature; a full 32-byte hash
// returns at most one.
func (h *LookupHandler) LookupSignature(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Query().Get("hash"), "0x")
	hash, err := hex.DecodeString(raw)
	if err != nil {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage("hash must be hex"))
		return
	}
	filter := r.URL.Query().Get("filter") == "true"

	var sigs []*models.Signature
	switch len(hash) {
	case 4:
		sigs, err = h.signatures.GetByPrefix(r.Context(), hash)
	case 32:
		var s *models.Signature
		s, err = h.signatures.GetByHash(r.Context(), hash)
		if s != nil {
			sigs = append(sigs, s)
		}
	default:
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage("hash must be 4 or 32 bytes"))
		return
	}
	if err != nil {
		response.InternalError(w)
		return
	}

	entries := signature.Annotate(sigs, filter)
	results := make([]SignatureResponse, 0, len(entries))
	for _, e := range entries {
		results = append(results, SignatureResponse{
			Signature: e.Signature.Text,
			Hash:      "0x" + hex.EncodeToString(e.Signature.Hash),
			Hash4:     "0x" + hex.EncodeToString(e.Signature.Hash4),
			Canonical: e.Canonical,
		})
	}
	response.OK(w, map[string]any{"results": results})
}

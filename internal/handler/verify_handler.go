// Package handler provides the HTTP surface of the verification API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/engine"
	"github.com/chainproof/verifier/internal/models"
	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/pkg/response"
	"github.com/chainproof/verifier/internal/verification"
)

// VerifyHandler handles verification submissions and job status reads.
type VerifyHandler struct {
	engine    *engine.Engine
	importer  verification.ExplorerImporter
	etherscan config.ExternalVerifierConfig
	validate  *validator.Validate
}

// NewVerifyHandler creates a new verify handler.
func NewVerifyHandler(eng *engine.Engine, importer verification.ExplorerImporter, etherscan config.ExternalVerifierConfig) *VerifyHandler {
	return &VerifyHandler{
		engine:    eng,
		importer:  importer,
		etherscan: etherscan,
		validate:  validator.New(),
	}
}

// Routes returns a chi router with the verification routes.
func (h *VerifyHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{chainId}/{address}", h.SubmitJSONInput)
	r.Post("/metadata/{chainId}/{address}", h.SubmitMetadata)
	r.Post("/etherscan/{chainId}/{address}", h.SubmitEtherscan)
	r.Post("/similarity/{chainId}/{address}", h.SubmitSimilarity)
	r.Get("/{verificationId}", h.GetJob)

	return r
}

// VerifyHTTPRequest is the body of POST /verify/{chainId}/{address}.
type VerifyHTTPRequest struct {
	StdJSONInput            json.RawMessage `json:"stdJsonInput" validate:"required"`
	CompilerVersion         string          `json:"compilerVersion" validate:"required"`
	ContractIdentifier      string          `json:"contractIdentifier" validate:"required,contains=:"`
	CreationTransactionHash string          `json:"creationTransactionHash,omitempty"`
}

// SubmitJSONInput handles POST /verify/{chainId}/{address}.
func (h *VerifyHandler) SubmitJSONInput(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := deploymentParams(w, r)
	if !ok {
		return
	}

	var req VerifyHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrInvalidJSON)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage(err.Error()))
		return
	}
	txHash, ok := optionalTxHash(w, req.CreationTransactionHash)
	if !ok {
		return
	}

	id, err := h.engine.SubmitFromJSONInput(r.Context(), engine.JSONInputRequest{
		ChainID:            chainID,
		Address:            address,
		JSONInput:          req.StdJSONInput,
		CompilerVersion:    req.CompilerVersion,
		ContractIdentifier: req.ContractIdentifier,
		CreationTxHash:     txHash,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Accepted(w, map[string]string{"verificationId": id.String()})
}

// MetadataHTTPRequest is the body of POST /verify/metadata/{chainId}/{address}.
type MetadataHTTPRequest struct {
	Metadata                json.RawMessage   `json:"metadata" validate:"required"`
	Sources                 map[string]string `json:"sources"`
	CreationTransactionHash string            `json:"creationTransactionHash,omitempty"`
}

// SubmitMetadata handles POST /verify/metadata/{chainId}/{address}.
func (h *VerifyHandler) SubmitMetadata(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := deploymentParams(w, r)
	if !ok {
		return
	}

	var req MetadataHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrInvalidJSON)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage(err.Error()))
		return
	}
	txHash, ok := optionalTxHash(w, req.CreationTransactionHash)
	if !ok {
		return
	}

	id, err := h.engine.SubmitFromMetadata(r.Context(), engine.MetadataRequest{
		ChainID:        chainID,
		Address:        address,
		Metadata:       req.Metadata,
		Sources:        req.Sources,
		CreationTxHash: txHash,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Accepted(w, map[string]string{"verificationId": id.String()})
}

// EtherscanHTTPRequest is the body of POST /verify/etherscan/{chainId}/{address}.
type EtherscanHTTPRequest struct {
	APIKey string `json:"apiKey,omitempty"`
}

// SubmitEtherscan handles POST /verify/etherscan/{chainId}/{address}. The
// explorer fetch runs synchronously so import failures surface with their own
// status codes; only the verification itself is asynchronous.
func (h *VerifyHandler) SubmitEtherscan(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := deploymentParams(w, r)
	if !ok {
		return
	}

	var req EtherscanHTTPRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierrors.ErrInvalidJSON)
			return
		}
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = h.etherscan.APIKey(chainID)
	}

	res, err := h.importer.Fetch(r.Context(), chainID, address, apiKey)
	if err != nil {
		response.Error(w, err)
		return
	}

	id, err := h.engine.SubmitFromExplorer(r.Context(), chainID, address, res)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Accepted(w, map[string]string{"verificationId": id.String()})
}

// SimilarityHTTPRequest is the body of POST /verify/similarity/{chainId}/{address}.
type SimilarityHTTPRequest struct {
	CreationTransactionHash string `json:"creationTransactionHash,omitempty"`
}

// SubmitSimilarity handles POST /verify/similarity/{chainId}/{address}.
func (h *VerifyHandler) SubmitSimilarity(w http.ResponseWriter, r *http.Request) {
	chainID, address, ok := deploymentParams(w, r)
	if !ok {
		return
	}

	var req SimilarityHTTPRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierrors.ErrInvalidJSON)
			return
		}
	}
	txHash, ok := optionalTxHash(w, req.CreationTransactionHash)
	if !ok {
		return
	}

	id, err := h.engine.SubmitSimilarity(r.Context(), chainID, address, txHash)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Accepted(w, map[string]string{"verificationId": id.String()})
}

// JobContractResponse is the contract section of the job view.
type JobContractResponse struct {
	ChainID       string  `json:"chainId"`
	Address       string  `json:"address"`
	Match         *string `json:"match"`
	RuntimeMatch  *string `json:"runtimeMatch"`
	CreationMatch *string `json:"creationMatch"`
}

// JobErrorResponse surfaces a persisted job error.
type JobErrorResponse struct {
	CustomCode string          `json:"customCode"`
	ErrorID    *uuid.UUID      `json:"errorId,omitempty"`
	Message    string          `json:"message"`
	ErrorData  json.RawMessage `json:"errorData,omitempty"`
}

// JobResponse is the body of GET /verify/{verificationId}.
type JobResponse struct {
	VerificationID        string              `json:"verificationId"`
	IsJobCompleted        bool                `json:"isJobCompleted"`
	Error                 *JobErrorResponse   `json:"error,omitempty"`
	Contract              JobContractResponse `json:"contract"`
	ExternalVerifications map[string]string   `json:"externalVerifications,omitempty"`
}

// GetJob handles GET /verify/{verificationId}.
func (h *VerifyHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "verificationId"))
	if err != nil {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage("verificationId must be a UUID"))
		return
	}

	view, err := h.engine.GetJob(r.Context(), id)
	if err != nil {
		response.InternalError(w)
		return
	}
	if view == nil {
		response.Error(w, apierrors.ErrNotFound.WithMessage("unknown verification id"))
		return
	}

	resp := JobResponse{
		VerificationID: view.Job.ID.String(),
		IsJobCompleted: view.Job.Completed(),
		Contract: JobContractResponse{
			ChainID:       strconv.FormatInt(view.Job.ChainID, 10),
			Address:       common.BytesToAddress(view.Job.Address).Hex(),
			Match:         matchString(bestStatus(view.RuntimeMatch, view.CreationMatch)),
			RuntimeMatch:  matchString(view.RuntimeMatch),
			CreationMatch: matchString(view.CreationMatch),
		},
		ExternalVerifications: view.Job.ExternalVerification,
	}
	if view.Job.ErrorCode != nil {
		resp.Error = &JobErrorResponse{
			CustomCode: *view.Job.ErrorCode,
			ErrorID:    view.Job.ErrorID,
			Message:    messageForCode(*view.Job.ErrorCode),
			ErrorData:  view.Job.ErrorData,
		}
	}
	response.OK(w, resp)
}

// deploymentParams parses and validates the {chainId}/{address} path pair.
func deploymentParams(w http.ResponseWriter, r *http.Request) (int64, common.Address, bool) {
	chainID, err := strconv.ParseInt(chi.URLParam(r, "chainId"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage("chainId must be a decimal integer"))
		return 0, common.Address{}, false
	}
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage("address must be a 20-byte hex address"))
		return 0, common.Address{}, false
	}
	return chainID, common.HexToAddress(raw), true
}

// optionalTxHash parses an optional 32-byte transaction hash.
func optionalTxHash(w http.ResponseWriter, raw string) (*common.Hash, bool) {
	if raw == "" {
		return nil, true
	}
	if len(raw) != 66 || raw[:2] != "0x" {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage("creationTransactionHash must be a 32-byte hex hash"))
		return nil, false
	}
	h := common.HexToHash(raw)
	return &h, true
}

// matchString renders a match status in the API vocabulary: perfect matches
// are "exact_match", partial matches are "match", no match is null.
func matchString(s *models.MatchStatus) *string {
	if s == nil {
		return nil
	}
	var out string
	switch *s {
	case models.MatchPerfect:
		out = "exact_match"
	case models.MatchPartial:
		out = "match"
	default:
		return nil
	}
	return &out
}

// bestStatus picks the better of the two axes for the aggregate match field.
func bestStatus(runtime, creation *models.MatchStatus) *models.MatchStatus {
	if creation.Rank() > runtime.Rank() {
		return creation
	}
	return runtime
}

// messageForCode maps persisted error codes to human-readable messages. Codes
// without a dedicated message fall back to a generic one.
func messageForCode(code string) string {
	switch code {
	case apierrors.CodeCompilerError:
		return "Compilation failed"
	case apierrors.CodeUnsupportedCompilerVersion:
		return "The requested compiler version is not installed"
	case apierrors.CodeUnsupportedLanguage:
		return "The source language is not supported"
	case apierrors.CodeContractNotDeployed:
		return "No contract deployed at the given address"
	case apierrors.CodeCannotFetchBytecode:
		return "Could not fetch bytecode from the chain"
	case apierrors.CodeNoSimilarMatchFound:
		return "No verified contract with similar bytecode was found"
	case apierrors.CodeAlreadyVerified:
		return "Contract is already verified with an equal or better match"
	case apierrors.CodeExtraFileInputBug:
		return "The provided sources do not cover the compilation metadata"
	case "no_match":
		return "The compiled bytecode does not match the on-chain bytecode"
	default:
		return "Verification failed"
	}
}

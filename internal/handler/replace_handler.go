package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/chainproof/verifier/internal/engine"
	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/pkg/response"
)

// ReplaceHandler exposes the maintainer-only replace flow.
type ReplaceHandler struct {
	engine   *engine.Engine
	validate *validator.Validate
}

// NewReplaceHandler creates a new replace handler.
func NewReplaceHandler(eng *engine.Engine) *ReplaceHandler {
	return &ReplaceHandler{engine: eng, validate: validator.New()}
}

// Routes returns a chi router with the replace route. Callers must wrap it
// with the maintainer middleware.
func (h *ReplaceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/replace", h.Replace)
	return r
}

// ReplaceHTTPRequest is the body of POST /private/replace.
type ReplaceHTTPRequest struct {
	VerifiedContractID int64  `json:"verifiedContractId" validate:"required,gt=0"`
	ForceCompilation   bool   `json:"forceCompilation"`
	ForceRPCRequest    bool   `json:"forceRpcRequest"`
	Method             string `json:"method,omitempty"`

	StdJSONInput       json.RawMessage `json:"stdJsonInput,omitempty"`
	CompilerVersion    string          `json:"compilerVersion,omitempty"`
	ContractIdentifier string          `json:"contractIdentifier,omitempty"`
}

// ReplaceHTTPResponse reports the replace outcome.
type ReplaceHTTPResponse struct {
	VerifiedContractID      *int64  `json:"verifiedContractId,omitempty"`
	RuntimeMatch            *string `json:"runtimeMatch,omitempty"`
	CreationMatch           *string `json:"creationMatch,omitempty"`
	CreationBytecodeFetched bool    `json:"creationBytecodeFetched"`
}

// Replace handles POST /private/replace.
func (h *ReplaceHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var req ReplaceHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrInvalidJSON)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrInvalidParameter.WithMessage(err.Error()))
		return
	}

	res, err := h.engine.Replace(r.Context(), engine.ReplaceRequest{
		VerifiedContractID: req.VerifiedContractID,
		ForceCompilation:   req.ForceCompilation,
		ForceRPCRequest:    req.ForceRPCRequest,
		Method:             req.Method,
		JSONInput:          req.StdJSONInput,
		CompilerVersion:    req.CompilerVersion,
		ContractIdentifier: req.ContractIdentifier,
	})
	if err != nil {
		response.Error(w, err)
		return
	}

	resp := ReplaceHTTPResponse{CreationBytecodeFetched: res.CreationBytecodeFetched}
	if res.Stored != nil {
		resp.VerifiedContractID = &res.Stored.VerifiedContractID
		resp.RuntimeMatch = matchString(res.Stored.RuntimeStatus)
		resp.CreationMatch = matchString(res.Stored.CreationStatus)
	}
	response.OK(w, resp)
}

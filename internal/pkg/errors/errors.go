// Package errors provides the typed error taxonomy for the verification API.
package errors

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Custom error codes surfaced on job rows and in API responses.
const (
	CodeInvalidParameter           = "invalid_parameter"
	CodeInvalidJSON                = "invalid_json"
	CodeUnsupportedChain           = "unsupported_chain"
	CodeUnsupportedLanguage        = "unsupported_language"
	CodeUnsupportedCompilerVersion = "unsupported_compiler_version"
	CodeCompilerError              = "compiler_error"
	CodeContractNotDeployed        = "contract_not_deployed"
	CodeCannotFetchBytecode        = "cannot_fetch_bytecode"
	CodeContractBeingVerified      = "contract_being_verified"
	CodeAlreadyVerified            = "already_verified"
	CodeNoSimilarMatchFound        = "no_similar_match_found"
	CodeExtraFileInputBug          = "extra_file_input_bug"
	CodeInternalError              = "internal_error"
	CodeNotFound                   = "not_found"
	CodeRateLimited                = "rate_limit_exceeded"
	CodeUnauthorized               = "unauthorized"
)

// Etherscan import subcodes.
const (
	CodeEtherscanRateLimit                = "etherscan_rate_limit"
	CodeEtherscanNotVerified              = "etherscan_not_verified"
	CodeEtherscanHTTPError                = "etherscan_http_error"
	CodeEtherscanAPIError                 = "etherscan_api_error"
	CodeEtherscanMissingContractInJSON    = "etherscan_missing_contract_in_json"
	CodeEtherscanVyperVersionMapping      = "etherscan_vyper_version_mapping_failed"
	CodeEtherscanMissingVyperSettings     = "etherscan_missing_vyper_settings"
)

// APIError is the standardized error envelope:
// {customCode, errorId, message, errorData?}.
type APIError struct {
	Code       string    `json:"customCode"`
	ErrorID    uuid.UUID `json:"errorId"`
	Message    string    `json:"message"`
	Data       any       `json:"errorData,omitempty"`
	StatusCode int       `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithMessage returns a copy of the error with a custom message and a fresh
// error id.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		ErrorID:    uuid.New(),
		Message:    message,
		Data:       e.Data,
		StatusCode: e.StatusCode,
	}
}

// WithData returns a copy of the error carrying structured error data.
func (e *APIError) WithData(data any) *APIError {
	return &APIError{
		Code:       e.Code,
		ErrorID:    uuid.New(),
		Message:    e.Message,
		Data:       data,
		StatusCode: e.StatusCode,
	}
}

// New creates an APIError with a fresh error id.
func New(code string, status int, message string) *APIError {
	return &APIError{
		Code:       code,
		ErrorID:    uuid.New(),
		Message:    message,
		StatusCode: status,
	}
}

// Standard error definitions. Sentinels carry a nil error id; the response
// writer assigns one when the error is serialized.
var (
	// ErrInvalidParameter is returned when a path or body parameter is malformed.
	ErrInvalidParameter = &APIError{
		Code:       CodeInvalidParameter,
		Message:    "Invalid request parameter",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidJSON is returned when the request body is not valid JSON.
	ErrInvalidJSON = &APIError{
		Code:       CodeInvalidJSON,
		Message:    "Request body is not valid JSON",
		StatusCode: http.StatusBadRequest,
	}

	// ErrUnsupportedChain is returned when the chain id is not configured.
	ErrUnsupportedChain = &APIError{
		Code:       CodeUnsupportedChain,
		Message:    "Chain is not supported",
		StatusCode: http.StatusNotFound,
	}

	// ErrContractNotDeployed is returned when no bytecode exists at the address.
	ErrContractNotDeployed = &APIError{
		Code:       CodeContractNotDeployed,
		Message:    "No contract deployed at the given address",
		StatusCode: http.StatusNotFound,
	}

	// ErrCannotFetchBytecode is returned when the chain RPC fails.
	ErrCannotFetchBytecode = &APIError{
		Code:       CodeCannotFetchBytecode,
		Message:    "Could not fetch bytecode from the chain",
		StatusCode: http.StatusBadGateway,
	}

	// ErrContractBeingVerified is returned when a verification for the same
	// (chain, address) is already in flight.
	ErrContractBeingVerified = &APIError{
		Code:       CodeContractBeingVerified,
		Message:    "A verification for this contract is already in progress",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrAlreadyVerified is returned when the stored match is at least as good.
	ErrAlreadyVerified = &APIError{
		Code:       CodeAlreadyVerified,
		Message:    "Contract is already verified with an equal or better match",
		StatusCode: http.StatusConflict,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       CodeInternalError,
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = &APIError{
		Code:       CodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrRateLimited is returned when the client exceeds the request window.
	ErrRateLimited = &APIError{
		Code:       CodeRateLimited,
		Message:    "Rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrUnauthorized is returned when maintainer credentials are missing or
	// wrong.
	ErrUnauthorized = &APIError{
		Code:       CodeUnauthorized,
		Message:    "Unauthorized",
		StatusCode: http.StatusUnauthorized,
	}
)

// NewValidationError creates an invalid_parameter error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       CodeInvalidParameter,
		ErrorID:    uuid.New(),
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Data: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal
}

package verification

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Worker-boundary error codes. They map 1:1 onto the persisted job error
// codes and the HTTP error envelope.
const (
	CodeCompilerError              = "compiler_error"
	CodeUnsupportedLanguage        = "unsupported_language"
	CodeUnsupportedCompilerVersion = "unsupported_compiler_version"
	CodeContractNotDeployed        = "contract_not_deployed"
	CodeCannotFetchBytecode        = "cannot_fetch_bytecode"
	CodeExtraFileInputBug          = "extra_file_input_bug"
	CodeNoMatch                    = "no_match"
	CodeNoSimilarMatchFound        = "no_similar_match_found"
	CodeAlreadyVerified            = "already_verified"
	CodeInternalError              = "internal_error"
)

// Error is the structured error that crosses the worker boundary. Native
// error types do not survive serialization between goroutine results and the
// dispatcher, so workers return plain values and the dispatcher re-raises
// them through this type.
type Error struct {
	Code    string          `json:"customCode"`
	ID      uuid.UUID       `json:"errorId"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"errorData,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a typed verification error with a fresh error id.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		ID:      uuid.New(),
		Message: message,
	}
}

// NewErrorWithData attaches structured data to a typed error. Marshalling
// failures are swallowed; the data field is diagnostic only.
func NewErrorWithData(code, message string, data any) *Error {
	e := NewError(code, message)
	if raw, err := json.Marshal(data); err == nil {
		e.Data = raw
	}
	return e
}

// AsError converts any error into a worker-boundary *Error, wrapping unknown
// errors under the given fallback code.
func AsError(err error, fallbackCode string) *Error {
	if verr, ok := err.(*Error); ok {
		return verr
	}
	return NewError(fallbackCode, err.Error())
}

// CompilerDiagnostic is one formatted compiler message, surfaced under
// errorData.compilerErrors for compiler_error jobs.
type CompilerDiagnostic struct {
	Severity         string `json:"severity"`
	Type             string `json:"type,omitempty"`
	FormattedMessage string `json:"formattedMessage"`
}

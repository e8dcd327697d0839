package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VerificationEndpoint identifies which submit operation created a job.
type VerificationEndpoint string

const (
	EndpointJSONInput  VerificationEndpoint = "/verify"
	EndpointMetadata   VerificationEndpoint = "/verify/metadata"
	EndpointEtherscan  VerificationEndpoint = "/verify/etherscan"
	EndpointSimilarity VerificationEndpoint = "/verify/similarity"
	EndpointReplace    VerificationEndpoint = "/private/replace"
)

// VerificationJob is one verification request through its lifecycle. A job is
// terminal once CompletedAt is set, either with a verified contract id or
// with a typed error.
type VerificationJob struct {
	ID                   uuid.UUID            `json:"id" db:"id"`
	ChainID              int64                `json:"chainId" db:"chain_id"`
	Address              []byte               `json:"address" db:"contract_address"`
	StartedAt            time.Time            `json:"startedAt" db:"started_at"`
	CompletedAt          *time.Time           `json:"completedAt,omitempty" db:"completed_at"`
	VerifiedContractID   *int64               `json:"verifiedContractId,omitempty" db:"verified_contract_id"`
	ErrorCode            *string              `json:"errorCode,omitempty" db:"error_code"`
	ErrorID              *uuid.UUID           `json:"errorId,omitempty" db:"error_id"`
	ErrorData            json.RawMessage      `json:"errorData,omitempty" db:"error_data"`
	VerificationEndpoint VerificationEndpoint `json:"verificationEndpoint" db:"verification_endpoint"`
	ExternalVerification map[string]string    `json:"externalVerification,omitempty" db:"external_verification"`
}

// Completed reports whether the job reached a terminal state.
func (j *VerificationJob) Completed() bool {
	return j.CompletedAt != nil
}

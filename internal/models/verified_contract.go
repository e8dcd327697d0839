package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VerifiedContract binds a deployment to a compilation with the match result.
// Rows are append-only: a better match inserts a new row and the
// SourcifyMatch pointer is repointed. Unique key: (deployment_id, compilation_id).
type VerifiedContract struct {
	ID                      int64           `json:"id" db:"id"`
	DeploymentID            uuid.UUID       `json:"deploymentId" db:"deployment_id"`
	CompilationID           uuid.UUID       `json:"compilationId" db:"compilation_id"`
	RuntimeMatch            bool            `json:"runtimeMatch" db:"runtime_match"`
	CreationMatch           bool            `json:"creationMatch" db:"creation_match"`
	RuntimeTransformations  json.RawMessage `json:"runtimeTransformations,omitempty" db:"runtime_transformations"`
	RuntimeValues           json.RawMessage `json:"runtimeValues,omitempty" db:"runtime_values"`
	CreationTransformations json.RawMessage `json:"creationTransformations,omitempty" db:"creation_transformations"`
	CreationValues          json.RawMessage `json:"creationValues,omitempty" db:"creation_values"`
	RuntimeMetadataMatch    *bool           `json:"runtimeMetadataMatch" db:"runtime_metadata_match"`
	CreationMetadataMatch   *bool           `json:"creationMetadataMatch" db:"creation_metadata_match"`
	CreatedAt               time.Time       `json:"createdAt" db:"created_at"`
}

// RuntimeStatus derives the match status of the runtime axis.
// metadata_match true means perfect, false means partial, nil means no match.
func (v *VerifiedContract) RuntimeStatus() *MatchStatus {
	return statusFrom(v.RuntimeMatch, v.RuntimeMetadataMatch)
}

// CreationStatus derives the match status of the creation axis.
func (v *VerifiedContract) CreationStatus() *MatchStatus {
	return statusFrom(v.CreationMatch, v.CreationMetadataMatch)
}

func statusFrom(matched bool, metadataMatch *bool) *MatchStatus {
	if !matched || metadataMatch == nil {
		return nil
	}
	if *metadataMatch {
		return Status(MatchPerfect)
	}
	return Status(MatchPartial)
}

// SourcifyMatch is the user-facing pointer at the currently best
// VerifiedContract for a deployment. It is the only mutable record in the
// store.
type SourcifyMatch struct {
	ID                 int64           `json:"id" db:"id"`
	VerifiedContractID int64           `json:"verifiedContractId" db:"verified_contract_id"`
	RuntimeMatch       *MatchStatus    `json:"runtimeMatch" db:"runtime_match"`
	CreationMatch      *MatchStatus    `json:"creationMatch" db:"creation_match"`
	Metadata           json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
}

// Overall reports the single combined status shown to users: the runtime
// axis, falling back to the creation axis.
func (m *SourcifyMatch) Overall() *MatchStatus {
	if m.RuntimeMatch != nil {
		return m.RuntimeMatch
	}
	return m.CreationMatch
}

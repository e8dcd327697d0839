package models

import (
	"time"

	"github.com/google/uuid"
)

// SignatureType distinguishes ABI fragment kinds in the signature join.
type SignatureType string

const (
	SignatureFunction SignatureType = "function"
	SignatureEvent    SignatureType = "event"
	SignatureError    SignatureType = "error"
)

// Valid returns true for a known signature type.
func (t SignatureType) Valid() bool {
	switch t {
	case SignatureFunction, SignatureEvent, SignatureError:
		return true
	default:
		return false
	}
}

// Signature is a deduplicated ABI signature, keyed by the keccak256 of its
// canonical text. Hash4 is the first 4 bytes, kept as a separate indexed
// column for selector lookups.
type Signature struct {
	Hash      []byte    `json:"hash" db:"signature_hash"`
	Hash4     []byte    `json:"hash4" db:"signature_hash_4"`
	Text      string    `json:"text" db:"signature"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// CompiledContractSignature joins a compilation to a signature.
type CompiledContractSignature struct {
	CompilationID uuid.UUID     `json:"compilationId" db:"compilation_id"`
	SignatureHash []byte        `json:"signatureHash" db:"signature_hash"`
	Type          SignatureType `json:"type" db:"signature_type"`
}

// Package bytecode models on-chain and recompiled bytecode: content-address
// digests and the normalization applied before a recompiled code is stored.
package bytecode

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// placeholderLen is the width of a library placeholder window in bytes.
const placeholderLen = 20

// Digests holds both content-address digests of a bytecode.
// SHA256 is the primary key in the code table; Keccak256 the secondary index.
type Digests struct {
	SHA256    []byte
	Keccak256 []byte
}

// Digest computes both digests of the given bytes.
func Digest(code []byte) Digests {
	sha := sha256.Sum256(code)
	return Digests{
		SHA256:    sha[:],
		Keccak256: crypto.Keccak256(code),
	}
}

// TransformationReason names why a region of recompiled bytecode differs from
// the on-chain bytecode.
type TransformationReason string

const (
	ReasonLibrary              TransformationReason = "library"
	ReasonImmutable            TransformationReason = "immutable"
	ReasonConstructorArguments TransformationReason = "constructorArguments"
	ReasonAuxdata              TransformationReason = "auxdata"
	ReasonCborAuxdata          TransformationReason = "cborAuxdata"
	ReasonCallProtection       TransformationReason = "callProtection"
)

// Transformation describes one region of the bytecode that was rewritten
// between compilation and deployment. Offset is a byte offset into the
// bytecode without the 0x prefix; callers operating on hex text must multiply
// by two.
type Transformation struct {
	Reason TransformationReason `json:"reason"`
	Offset int                  `json:"offset"`
	Type   string               `json:"type"` // replace or insert
	ID     string               `json:"id,omitempty"`
}

// NormalizeRecompiled returns a copy of the recompiled bytecode with every
// library placeholder window zeroed, so that two builds differing only in
// linked library addresses share a content address. Immutables in recompiled
// code are already zero and left untouched. The input slice is not modified.
func NormalizeRecompiled(code []byte, transformations []Transformation) ([]byte, error) {
	normalized := make([]byte, len(code))
	copy(normalized, code)

	for _, t := range transformations {
		if t.Reason != ReasonLibrary {
			continue
		}
		if t.Offset < 0 || t.Offset+placeholderLen > len(normalized) {
			return nil, fmt.Errorf("library transformation at offset %d out of bounds for %d-byte code", t.Offset, len(code))
		}
		for i := 0; i < placeholderLen; i++ {
			normalized[t.Offset+i] = 0
		}
	}
	return normalized, nil
}

// HexOffset converts a byte offset into an offset within the hex text
// representation (without 0x prefix).
func HexOffset(byteOffset int) int {
	return byteOffset * 2
}

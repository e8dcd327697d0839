package models

import (
	"time"
)

// Code is a content-addressed bytecode row. The primary key is the sha256 of
// the bytes; the keccak256 digest is kept as a secondary index for
// EVM-centric lookups.
type Code struct {
	SHA       []byte    `json:"sha" db:"code_hash"`
	SHAKeccak []byte    `json:"shaKeccak" db:"code_hash_keccak"`
	Bytes     []byte    `json:"-" db:"code"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Source is a content-addressed source file.
type Source struct {
	SHA       []byte    `json:"sha" db:"source_hash"`
	SHAKeccak []byte    `json:"shaKeccak" db:"source_hash_keccak"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

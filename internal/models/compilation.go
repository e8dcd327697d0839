package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CompiledContract records one compiler invocation's outputs. The creation
// and runtime code digests reference normalized recompiled bytecode, never
// the raw on-chain bytes. Unique key:
// (compiler, language, creation_code_hash, runtime_code_hash).
type CompiledContract struct {
	ID                    uuid.UUID       `json:"id" db:"id"`
	Compiler              string          `json:"compiler" db:"compiler"`
	Language              string          `json:"language" db:"language"`
	Version               string          `json:"version" db:"version"`
	CompilerSettings      json.RawMessage `json:"compilerSettings" db:"compiler_settings"`
	CreationCodeSHA       []byte          `json:"creationCodeSha,omitempty" db:"creation_code_hash"`
	RuntimeCodeSHA        []byte          `json:"runtimeCodeSha" db:"runtime_code_hash"`
	Name                  string          `json:"name" db:"name"`
	FullyQualifiedName    string          `json:"fullyQualifiedName" db:"fully_qualified_name"`
	CompilationArtifacts  json.RawMessage `json:"compilationArtifacts" db:"compilation_artifacts"`
	CreationCodeArtifacts json.RawMessage `json:"creationCodeArtifacts" db:"creation_code_artifacts"`
	RuntimeCodeArtifacts  json.RawMessage `json:"runtimeCodeArtifacts" db:"runtime_code_artifacts"`
	CreatedAt             time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time       `json:"updatedAt" db:"updated_at"`
}

// CompiledSource maps a path within a compilation to a source row.
type CompiledSource struct {
	CompilationID uuid.UUID `json:"compilationId" db:"compilation_id"`
	Path          string    `json:"path" db:"path"`
	SourceSHA     []byte    `json:"sourceSha" db:"source_hash"`
}

// CompilationArtifacts is the decoded shape of the compilation_artifacts
// column.
type CompilationArtifacts struct {
	ABI          json.RawMessage `json:"abi,omitempty"`
	Userdoc      json.RawMessage `json:"userdoc,omitempty"`
	Devdoc       json.RawMessage `json:"devdoc,omitempty"`
	StorageLayout json.RawMessage `json:"storageLayout,omitempty"`
	Sources      json.RawMessage `json:"sources,omitempty"`
}

// CodeArtifacts is the decoded shape of the creation/runtime code artifact
// columns: source maps, link references, auxdata positions.
type CodeArtifacts struct {
	SourceMap           string          `json:"sourceMap,omitempty"`
	LinkReferences      json.RawMessage `json:"linkReferences,omitempty"`
	ImmutableReferences json.RawMessage `json:"immutableReferences,omitempty"`
	CborAuxdata         json.RawMessage `json:"cborAuxdata,omitempty"`
}

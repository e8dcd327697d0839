// Package verification defines the collaborator interfaces the job engine
// consumes (compiler, verifier, chain RPC, explorer importer) and the
// canonical verification result all write sinks receive.
package verification

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainproof/verifier/internal/bytecode"
	"github.com/chainproof/verifier/internal/models"
)

// Language of a source package.
type Language string

const (
	LanguageSolidity Language = "solidity"
	LanguageVyper    Language = "vyper"
)

// Compilation is the unit of work handed to the Verifier. When PreRun is set,
// JSONOutput and the auxdata tables come from the canonical store and the
// compiler is not invoked.
type Compilation struct {
	Compiler string   // "solc" or "vyper"
	Language Language
	Version  string
	// JSONInput is the standard JSON input; OutputSelection is stripped
	// before the settings are persisted.
	JSONInput json.RawMessage
	// Target is the fully qualified name "path:ContractName" selecting one
	// contract out of the compilation output.
	Target string

	// PreRun fields: the stored standard JSON output plus the auxdata
	// position tables, allowing verification without recompiling.
	PreRun             bool
	JSONOutput         json.RawMessage
	CreationCborAuxdata json.RawMessage
	RuntimeCborAuxdata  json.RawMessage
}

// DeploymentInfo is what the Verifier learned about the deployment while
// matching.
type DeploymentInfo struct {
	TransactionHash  *common.Hash
	BlockNumber      *int64
	TransactionIndex *int64
	Deployer         *common.Address
}

// CompilationOutput carries everything the sinks persist about the compile.
type CompilationOutput struct {
	Compiler              string
	Language              Language
	Version               string
	// Settings is the standard JSON settings object without outputSelection.
	Settings              json.RawMessage
	FullyQualifiedName    string
	Name                  string
	Sources               map[string]string
	Metadata              json.RawMessage
	ABI                   json.RawMessage
	CompilationArtifacts  json.RawMessage
	CreationCodeArtifacts json.RawMessage
	RuntimeCodeArtifacts  json.RawMessage
	JSONInput             json.RawMessage
	JSONOutput            json.RawMessage
}

// Result is the canonical verification artifact broadcast to every sink.
type Result struct {
	ChainID int64
	Address common.Address

	RuntimeMatch  *models.MatchStatus
	CreationMatch *models.MatchStatus

	OnchainRuntimeCode     []byte
	OnchainCreationCode    []byte
	RecompiledRuntimeCode  []byte
	RecompiledCreationCode []byte

	RuntimeTransformations  []bytecode.Transformation
	RuntimeValues           json.RawMessage
	CreationTransformations []bytecode.Transformation
	CreationValues          json.RawMessage

	Compilation CompilationOutput
	Deployment  DeploymentInfo

	ConstructorArguments []byte
	LibraryMap           map[string]string
	ImmutableReferences  json.RawMessage
}

// Matched reports whether at least one axis matched.
func (r *Result) Matched() bool {
	return r.RuntimeMatch != nil || r.CreationMatch != nil
}

// RuntimeMetadataMatch returns the tri-state metadata match flag for the
// runtime axis: true for perfect, false for partial, nil for no match.
func (r *Result) RuntimeMetadataMatch() *bool {
	return metadataFlag(r.RuntimeMatch)
}

// CreationMetadataMatch returns the tri-state flag for the creation axis.
func (r *Result) CreationMetadataMatch() *bool {
	return metadataFlag(r.CreationMatch)
}

func metadataFlag(s *models.MatchStatus) *bool {
	if s == nil {
		return nil
	}
	perfect := *s == models.MatchPerfect
	return &perfect
}

// TxInfo is a minimal transaction view from the chain.
type TxInfo struct {
	BlockNumber int64
	From        common.Address
}

// CreationInfo is the creation evidence of a deployed contract.
type CreationInfo struct {
	CreationBytecode []byte
	TransactionIndex int64
}

// Chain reads deployment evidence from a network. Implemented by the RPC
// client and, for the similarity and replace paths, by a store-backed
// synthetic adapter.
type Chain interface {
	ChainID() int64
	GetBytecode(ctx context.Context, address common.Address) ([]byte, error)
	GetTx(ctx context.Context, hash common.Hash) (*TxInfo, error)
	GetContractCreationBytecodeAndReceipt(ctx context.Context, address common.Address, txHash common.Hash) (*CreationInfo, error)
}

// Compiler runs a source-language compiler over a standard JSON input.
type Compiler interface {
	Compile(ctx context.Context, language Language, version string, jsonInput json.RawMessage) (json.RawMessage, error)
}

// Verifier compiles (unless pre-run) and matches a compilation against the
// on-chain bytecode of address. It returns a typed *Error on failure.
type Verifier interface {
	Verify(ctx context.Context, compilation *Compilation, chain Chain, address common.Address, creatorTxHash *common.Hash) (*Result, error)
}

// ExplorerResult is a verified source package imported from a block explorer.
type ExplorerResult struct {
	Language             Language
	CompilerVersion      string
	ContractName         string
	Target               string
	JSONInput            json.RawMessage
	ConstructorArguments []byte
}

// ExplorerImporter fetches verified sources from a third-party explorer.
type ExplorerImporter interface {
	Fetch(ctx context.Context, chainID int64, address common.Address, apiKey string) (*ExplorerResult, error)
}

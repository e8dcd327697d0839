package verification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// bytecodeVerifier is the production Verifier: it compiles (unless the
// compilation was pre-run from stored artifacts) and grades the recompiled
// bytecode against the on-chain evidence.
type bytecodeVerifier struct {
	compiler Compiler
}

// NewVerifier creates the standard verifier over a compiler.
func NewVerifier(compiler Compiler) Verifier {
	return &bytecodeVerifier{compiler: compiler}
}

// standardInput is the subset of the standard JSON input the verifier reads.
type standardInput struct {
	Language string `json:"language"`
	Sources  map[string]struct {
		Content string `json:"content"`
	} `json:"sources"`
	Settings json.RawMessage `json:"settings"`
}

// Verify implements Verifier.
func (v *bytecodeVerifier) Verify(ctx context.Context, compilation *Compilation, chain Chain, address common.Address, creatorTxHash *common.Hash) (*Result, error) {
	input, err := decodeInput(compilation.JSONInput)
	if err != nil {
		return nil, NewError(CodeInternalError, fmt.Sprintf("decode standard json input: %v", err))
	}

	jsonOutput := compilation.JSONOutput
	if !compilation.PreRun {
		prepared, err := withOutputSelection(compilation.JSONInput)
		if err != nil {
			return nil, NewError(CodeInternalError, fmt.Sprintf("prepare compiler input: %v", err))
		}
		jsonOutput, err = v.compiler.Compile(ctx, compilation.Language, compilation.Version, prepared)
		if err != nil {
			return nil, AsError(err, CodeCompilerError)
		}
	}

	_, art, verr := parseOutput(jsonOutput, compilation.Target)
	if verr != nil {
		return nil, verr
	}

	onchainRuntime, err := chain.GetBytecode(ctx, address)
	if err != nil {
		return nil, NewError(CodeCannotFetchBytecode, err.Error())
	}
	if len(onchainRuntime) == 0 {
		return nil, NewError(CodeContractNotDeployed,
			fmt.Sprintf("no bytecode at %s on chain %d", address.Hex(), chain.ChainID()))
	}

	runtimeAuxdata, creationAuxdata := auxdataRegions(compilation, art)

	runtime := matchRuntime(art.RuntimeCode, onchainRuntime, art.RuntimeLinkRefs, art.ImmutableSlots, runtimeAuxdata)

	result := &Result{
		ChainID:                chain.ChainID(),
		Address:                address,
		RuntimeMatch:           runtime.Status,
		OnchainRuntimeCode:     onchainRuntime,
		RecompiledRuntimeCode:  art.RuntimeCode,
		RecompiledCreationCode: art.CreationCode,
		RuntimeTransformations: runtime.Transformations,
		RuntimeValues:          runtime.Values,
		LibraryMap:             runtime.LibraryMap,
		ImmutableReferences:    art.ImmutableReferences,
		Compilation:            buildCompilationOutput(compilation, input, jsonOutput, art, runtimeAuxdata, creationAuxdata),
	}

	// Creation-side failures never degrade the runtime result. A creator tx
	// that does not belong to this address simply leaves the creation axis
	// unmatched.
	if creatorTxHash != nil {
		v.matchCreationSide(ctx, chain, address, *creatorTxHash, creationAuxdata, art, result)
	}

	if result.RuntimeMatch == nil && result.CreationMatch == nil {
		if missingSources(art.Metadata, input) {
			return nil, NewError(CodeExtraFileInputBug,
				"compilation metadata references sources missing from the input")
		}
		return nil, NewError(CodeNoMatch, "deployed and recompiled bytecode do not match")
	}
	return result, nil
}

// matchCreationSide fetches the creation evidence and grades the creation
// axis in place.
func (v *bytecodeVerifier) matchCreationSide(ctx context.Context, chain Chain, address common.Address, txHash common.Hash, creationAuxdata []auxdataRegion, art *targetArtifacts, result *Result) {
	info, err := chain.GetContractCreationBytecodeAndReceipt(ctx, address, txHash)
	if err != nil {
		return
	}

	outcome, constructorArgs := matchCreation(art.CreationCode, info.CreationBytecode, art.CreationLinkRefs, creationAuxdata)
	if outcome.Status == nil {
		return
	}

	result.CreationMatch = outcome.Status
	result.OnchainCreationCode = info.CreationBytecode
	result.CreationTransformations = outcome.Transformations
	result.CreationValues = outcome.Values
	result.ConstructorArguments = constructorArgs
	if result.LibraryMap == nil {
		result.LibraryMap = outcome.LibraryMap
	}

	hash := txHash
	txIndex := info.TransactionIndex
	result.Deployment.TransactionHash = &hash
	result.Deployment.TransactionIndex = &txIndex

	if tx, err := chain.GetTx(ctx, txHash); err == nil {
		blockNumber := tx.BlockNumber
		deployer := tx.From
		result.Deployment.BlockNumber = &blockNumber
		result.Deployment.Deployer = &deployer
	}
}

// auxdataRegions resolves the trailer positions: stored tables for pre-run
// compilations, trailer inspection for fresh compiles.
func auxdataRegions(compilation *Compilation, art *targetArtifacts) (runtime, creation []auxdataRegion) {
	if compilation.PreRun {
		return storedAuxdata(compilation.RuntimeCborAuxdata), storedAuxdata(compilation.CreationCborAuxdata)
	}
	if r, ok := trailingAuxdata(art.RuntimeCode); ok {
		runtime = append(runtime, r)
	}
	if c, ok := embeddedAuxdata(art.CreationCode, art.RuntimeCode); ok {
		creation = append(creation, c)
	}
	return runtime, creation
}

// missingSources reports whether the compilation metadata lists source files
// absent from the standard JSON input. solc historically truncated imports
// out of metadata-derived inputs; the caller retries with all files.
func missingSources(metadata json.RawMessage, input *standardInput) bool {
	if len(metadata) == 0 {
		return false
	}
	var meta struct {
		Sources map[string]json.RawMessage `json:"sources"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return false
	}
	for path := range meta.Sources {
		if _, ok := input.Sources[path]; !ok {
			return true
		}
	}
	return false
}

func decodeInput(raw json.RawMessage) (*standardInput, error) {
	var input standardInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

// withOutputSelection injects the selection the matcher needs, replacing
// whatever the caller asked for.
func withOutputSelection(raw json.RawMessage) (json.RawMessage, error) {
	var input map[string]json.RawMessage
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}
	var settings map[string]any
	if rawSettings, ok := input["settings"]; ok {
		if err := json.Unmarshal(rawSettings, &settings); err != nil {
			return nil, err
		}
	}
	if settings == nil {
		settings = map[string]any{}
	}
	settings["outputSelection"] = map[string]any{
		"*": map[string]any{
			"*": []string{
				"abi", "metadata", "userdoc", "devdoc", "storageLayout",
				"evm.bytecode.object", "evm.bytecode.sourceMap", "evm.bytecode.linkReferences",
				"evm.deployedBytecode.object", "evm.deployedBytecode.sourceMap",
				"evm.deployedBytecode.linkReferences", "evm.deployedBytecode.immutableReferences",
			},
		},
	}
	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	input["settings"] = rawSettings
	return json.Marshal(input)
}

// settingsWithoutOutputSelection strips the output selection so that two
// submissions differing only in requested outputs deduplicate to the same
// compilation.
func settingsWithoutOutputSelection(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(raw, &settings); err != nil {
		return raw
	}
	delete(settings, "outputSelection")
	stripped, err := json.Marshal(settings)
	if err != nil {
		return raw
	}
	return stripped
}

// buildCompilationOutput assembles everything the sinks persist about the
// compile.
func buildCompilationOutput(compilation *Compilation, input *standardInput, jsonOutput json.RawMessage, art *targetArtifacts, runtimeAuxdata, creationAuxdata []auxdataRegion) CompilationOutput {
	sources := make(map[string]string, len(input.Sources))
	for path, s := range input.Sources {
		sources[path] = s.Content
	}

	compilationArtifacts, _ := json.Marshal(map[string]json.RawMessage{
		"abi":           orEmptyRaw(art.ABI),
		"userdoc":       orEmptyRaw(art.Userdoc),
		"devdoc":        orEmptyRaw(art.Devdoc),
		"storageLayout": orEmptyRaw(art.StorageLayout),
	})
	creationArtifacts, _ := json.Marshal(map[string]any{
		"sourceMap":      art.CreationSourceMap,
		"linkReferences": art.CreationLinkRefs,
		"cborAuxdata":    json.RawMessage(orEmptyRaw(auxdataTable(art.CreationCode, creationAuxdata))),
	})
	runtimeArtifacts, _ := json.Marshal(map[string]any{
		"sourceMap":           art.RuntimeSourceMap,
		"linkReferences":      art.RuntimeLinkRefs,
		"immutableReferences": json.RawMessage(orEmptyRaw(art.ImmutableReferences)),
		"cborAuxdata":         json.RawMessage(orEmptyRaw(auxdataTable(art.RuntimeCode, runtimeAuxdata))),
	})

	return CompilationOutput{
		Compiler:              compilation.Compiler,
		Language:              compilation.Language,
		Version:               compilation.Version,
		Settings:              settingsWithoutOutputSelection(input.Settings),
		FullyQualifiedName:    art.FullyQualifiedName,
		Name:                  art.Name,
		Sources:               sources,
		Metadata:              art.Metadata,
		ABI:                   art.ABI,
		CompilationArtifacts:  compilationArtifacts,
		CreationCodeArtifacts: creationArtifacts,
		RuntimeCodeArtifacts:  runtimeArtifacts,
		JSONInput:             compilation.JSONInput,
		JSONOutput:            jsonOutput,
	}
}

func orEmptyRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

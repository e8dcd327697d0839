package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/verification"
)

// similarityCandidateLimit caps how many stored compilations one similarity
// job trials.
const similarityCandidateLimit = 20

// runSimilarity builds the worker task for a similarity verification: rank
// stored compilations by shared runtime-bytecode prefix and trial-verify each
// against a synthetic chain until one matches.
func (e *Engine) runSimilarity(chainID int64, address common.Address, runtimeCode []byte, creationTxHash *common.Hash) func(ctx context.Context) (*verification.Result, error) {
	return func(ctx context.Context) (*verification.Result, error) {
		candidates, err := e.candidates.SimilarityCandidates(ctx, runtimeCode, similarityCandidateLimit)
		if err != nil {
			return nil, verification.NewError(verification.CodeInternalError,
				fmt.Sprintf("retrieve similarity candidates: %v", err))
		}
		if len(candidates) == 0 {
			return nil, verification.NewError(verification.CodeNoSimilarMatchFound,
				"no verified contract shares this runtime bytecode")
		}

		synth := newSyntheticChain(chainID, runtimeCode)
		if creationTxHash != nil {
			e.attachCreationEvidence(ctx, synth, chainID, address, *creationTxHash)
		}

		for _, candidate := range candidates {
			compilation, err := preRunCompilation(candidate)
			if err != nil {
				e.logger.Warn("skipping similarity candidate",
					slog.String("compilation_id", candidate.Compilation.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			result, verr := e.verifier.Verify(ctx, compilation, synth, address, creationTxHash)
			if verr != nil {
				continue
			}
			if result != nil && result.Matched() {
				return result, nil
			}
		}
		return nil, verification.NewError(verification.CodeNoSimilarMatchFound,
			fmt.Sprintf("none of %d candidates matched", len(candidates)))
	}
}

// attachCreationEvidence fetches live creation data so the synthetic chain
// can answer creation-side queries. Failures leave the creation axis
// unmatched.
func (e *Engine) attachCreationEvidence(ctx context.Context, synth *syntheticChain, chainID int64, address common.Address, txHash common.Hash) {
	chain, err := e.chains.Chain(chainID)
	if err != nil {
		return
	}
	info, err := chain.GetContractCreationBytecodeAndReceipt(ctx, address, txHash)
	if err != nil {
		return
	}
	tx, err := chain.GetTx(ctx, txHash)
	if err != nil {
		return
	}
	synth.withCreation(txHash, info, tx)
}

// preRunCompilation rebuilds a compilation unit from stored artifacts so the
// verifier can run without invoking the compiler.
func preRunCompilation(c *repository.Candidate) (*verification.Compilation, error) {
	language, compilerName, err := languageFromMetadata(c.Compilation.Language)
	if err != nil {
		return nil, fmt.Errorf("compilation %s: %w", c.Compilation.ID, err)
	}

	inputSources := make(map[string]map[string]string, len(c.Sources))
	for path, content := range c.Sources {
		inputSources[path] = map[string]string{"content": content}
	}
	jsonInput, err := json.Marshal(map[string]any{
		"language": inputLanguage(language),
		"sources":  inputSources,
		"settings": json.RawMessage(c.Compilation.CompilerSettings),
	})
	if err != nil {
		return nil, err
	}

	jsonOutput, runtimeAux, creationAux, err := synthesizeOutput(c)
	if err != nil {
		return nil, err
	}

	return &verification.Compilation{
		Compiler:            compilerName,
		Language:            language,
		Version:             c.Compilation.Version,
		JSONInput:           jsonInput,
		Target:              c.Compilation.FullyQualifiedName,
		PreRun:              true,
		JSONOutput:          jsonOutput,
		RuntimeCborAuxdata:  runtimeAux,
		CreationCborAuxdata: creationAux,
	}, nil
}

// synthesizeOutput renders the stored artifacts back into the standard JSON
// output shape the verifier consumes.
func synthesizeOutput(c *repository.Candidate) (json.RawMessage, json.RawMessage, json.RawMessage, error) {
	path, name, ok := splitFQN(c.Compilation.FullyQualifiedName)
	if !ok {
		return nil, nil, nil, fmt.Errorf("invalid fully qualified name %q", c.Compilation.FullyQualifiedName)
	}

	var compArtifacts models.CompilationArtifacts
	if len(c.Compilation.CompilationArtifacts) > 0 {
		if err := json.Unmarshal(c.Compilation.CompilationArtifacts, &compArtifacts); err != nil {
			return nil, nil, nil, fmt.Errorf("decode compilation artifacts: %w", err)
		}
	}
	var creationArt, runtimeArt models.CodeArtifacts
	if len(c.Compilation.CreationCodeArtifacts) > 0 {
		if err := json.Unmarshal(c.Compilation.CreationCodeArtifacts, &creationArt); err != nil {
			return nil, nil, nil, fmt.Errorf("decode creation code artifacts: %w", err)
		}
	}
	if len(c.Compilation.RuntimeCodeArtifacts) > 0 {
		if err := json.Unmarshal(c.Compilation.RuntimeCodeArtifacts, &runtimeArt); err != nil {
			return nil, nil, nil, fmt.Errorf("decode runtime code artifacts: %w", err)
		}
	}

	contract := map[string]any{
		"abi": rawOrNull(compArtifacts.ABI),
		"evm": map[string]any{
			"bytecode": map[string]any{
				"object":         hex.EncodeToString(c.CreationCode),
				"sourceMap":      creationArt.SourceMap,
				"linkReferences": expandLinkRefs(creationArt.LinkReferences),
			},
			"deployedBytecode": map[string]any{
				"object":              hex.EncodeToString(c.RuntimeCode),
				"sourceMap":           runtimeArt.SourceMap,
				"linkReferences":      expandLinkRefs(runtimeArt.LinkReferences),
				"immutableReferences": rawOrNull(runtimeArt.ImmutableReferences),
			},
		},
	}

	output, err := json.Marshal(map[string]any{
		"contracts": map[string]any{
			path: map[string]any{name: contract},
		},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return output, runtimeArt.CborAuxdata, creationArt.CborAuxdata, nil
}

// expandLinkRefs converts the stored flat link reference table
// (fully qualified name -> byte offsets) back into the compiler's
// file -> library -> slots shape.
func expandLinkRefs(raw json.RawMessage) map[string]map[string][]map[string]int {
	if len(raw) == 0 {
		return nil
	}
	var flat map[string][]int
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil
	}
	expanded := make(map[string]map[string][]map[string]int)
	for fqn, offsets := range flat {
		file, lib, ok := splitFQN(fqn)
		if !ok {
			continue
		}
		if expanded[file] == nil {
			expanded[file] = make(map[string][]map[string]int)
		}
		for _, off := range offsets {
			expanded[file][lib] = append(expanded[file][lib], map[string]int{"start": off, "length": 20})
		}
	}
	return expanded
}

// inputLanguage renders the language field the way standard JSON inputs
// spell it.
func inputLanguage(language verification.Language) string {
	if language == verification.LanguageVyper {
		return "Vyper"
	}
	return "Solidity"
}

func splitFQN(fqn string) (path, name string, ok bool) {
	idx := strings.LastIndex(fqn, ":")
	if idx <= 0 || idx == len(fqn)-1 {
		return "", "", false
	}
	return fqn[:idx], fqn[idx+1:], true
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

package verification

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// standardOutput is the subset of the compiler's standard JSON output the
// matcher consumes.
type standardOutput struct {
	Errors    []outputError                        `json:"errors"`
	Contracts map[string]map[string]outputContract `json:"contracts"`
	Sources   map[string]struct {
		ID int `json:"id"`
	} `json:"sources"`
}

type outputError struct {
	Severity         string `json:"severity"`
	Type             string `json:"type"`
	FormattedMessage string `json:"formattedMessage"`
}

type outputContract struct {
	ABI      json.RawMessage `json:"abi"`
	Metadata string          `json:"metadata"`
	Userdoc  json.RawMessage `json:"userdoc"`
	Devdoc   json.RawMessage `json:"devdoc"`
	StorageLayout json.RawMessage `json:"storageLayout"`
	EVM      struct {
		Bytecode         outputBytecode `json:"bytecode"`
		DeployedBytecode struct {
			outputBytecode
			ImmutableReferences json.RawMessage `json:"immutableReferences"`
		} `json:"deployedBytecode"`
	} `json:"evm"`
}

type outputBytecode struct {
	Object         string                           `json:"object"`
	SourceMap      string                           `json:"sourceMap"`
	LinkReferences map[string]map[string][]linkSlot `json:"linkReferences"`
}

type linkSlot struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// targetArtifacts is everything the matcher extracted for the selected
// contract.
type targetArtifacts struct {
	Name               string
	Path               string
	FullyQualifiedName string

	ABI      json.RawMessage
	Metadata json.RawMessage
	Userdoc  json.RawMessage
	Devdoc   json.RawMessage
	StorageLayout json.RawMessage

	CreationCode []byte
	RuntimeCode  []byte

	// linkReferences flattened to fully qualified library name -> byte
	// offsets into the respective bytecode.
	CreationLinkRefs map[string][]int
	RuntimeLinkRefs  map[string][]int

	// immutableReferences as emitted: ast id -> [{start, length}].
	ImmutableReferences json.RawMessage
	ImmutableSlots      map[string][]linkSlot

	CreationSourceMap string
	RuntimeSourceMap  string
}

// parseOutput decodes the compiler output and extracts the target contract.
// target is the fully qualified "path:Name" identifier.
func parseOutput(raw json.RawMessage, target string) (*standardOutput, *targetArtifacts, *Error) {
	var out standardOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, NewError(CodeInternalError, fmt.Sprintf("decode compiler output: %v", err))
	}

	if diags := errorDiagnostics(out.Errors); len(diags) > 0 {
		return nil, nil, NewErrorWithData(CodeCompilerError, "compilation failed",
			map[string]any{"compilerErrors": diags})
	}

	path, name, ok := splitTarget(target)
	if !ok {
		return nil, nil, NewError(CodeInternalError, fmt.Sprintf("invalid contract identifier %q", target))
	}
	contract, ok := out.Contracts[path][name]
	if !ok {
		return nil, nil, NewError(CodeInternalError,
			fmt.Sprintf("contract %s not found in compilation output", target))
	}

	creation, err := decodeBytecode(contract.EVM.Bytecode.Object)
	if err != nil {
		return nil, nil, NewError(CodeInternalError, fmt.Sprintf("decode creation bytecode: %v", err))
	}
	runtime, err := decodeBytecode(contract.EVM.DeployedBytecode.Object)
	if err != nil {
		return nil, nil, NewError(CodeInternalError, fmt.Sprintf("decode runtime bytecode: %v", err))
	}

	var immutableSlots map[string][]linkSlot
	if len(contract.EVM.DeployedBytecode.ImmutableReferences) > 0 {
		if err := json.Unmarshal(contract.EVM.DeployedBytecode.ImmutableReferences, &immutableSlots); err != nil {
			return nil, nil, NewError(CodeInternalError, fmt.Sprintf("decode immutable references: %v", err))
		}
	}

	art := &targetArtifacts{
		Name:               name,
		Path:               path,
		FullyQualifiedName: target,
		ABI:                contract.ABI,
		Metadata:           json.RawMessage(contract.Metadata),
		Userdoc:            contract.Userdoc,
		Devdoc:             contract.Devdoc,
		StorageLayout:      contract.StorageLayout,
		CreationCode:       creation,
		RuntimeCode:        runtime,
		CreationLinkRefs:   flattenLinkRefs(contract.EVM.Bytecode.LinkReferences),
		RuntimeLinkRefs:    flattenLinkRefs(contract.EVM.DeployedBytecode.LinkReferences),
		ImmutableReferences: contract.EVM.DeployedBytecode.ImmutableReferences,
		ImmutableSlots:      immutableSlots,
		CreationSourceMap:   contract.EVM.Bytecode.SourceMap,
		RuntimeSourceMap:    contract.EVM.DeployedBytecode.SourceMap,
	}
	if len(art.Metadata) > 0 && !json.Valid(art.Metadata) {
		art.Metadata = nil
	}
	return &out, art, nil
}

// errorDiagnostics collects error-severity compiler messages.
func errorDiagnostics(errs []outputError) []CompilerDiagnostic {
	var diags []CompilerDiagnostic
	for _, e := range errs {
		if e.Severity != "error" {
			continue
		}
		diags = append(diags, CompilerDiagnostic{
			Severity:         e.Severity,
			Type:             e.Type,
			FormattedMessage: e.FormattedMessage,
		})
	}
	return diags
}

// splitTarget splits "path:Name" on the last colon so that paths containing
// colons keep working.
func splitTarget(target string) (path, name string, ok bool) {
	idx := strings.LastIndex(target, ":")
	if idx <= 0 || idx == len(target)-1 {
		return "", "", false
	}
	return target[:idx], target[idx+1:], true
}

// decodeBytecode decodes the compiler's hex bytecode field. Unlinked library
// placeholders are emitted as __$...$__ markers; those windows decode to
// zero bytes so link reference offsets stay aligned.
func decodeBytecode(object string) ([]byte, error) {
	object = strings.TrimPrefix(object, "0x")
	if object == "" {
		return nil, nil
	}
	cleaned := make([]byte, 0, len(object))
	for i := 0; i < len(object); i++ {
		c := object[i]
		if isHexDigit(c) {
			cleaned = append(cleaned, c)
			continue
		}
		// placeholder marker character, keep alignment
		cleaned = append(cleaned, '0')
	}
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("odd-length bytecode")
	}
	return hex.DecodeString(string(cleaned))
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// flattenLinkRefs maps file-scoped link references to fully qualified library
// names and byte offsets.
func flattenLinkRefs(refs map[string]map[string][]linkSlot) map[string][]int {
	if len(refs) == 0 {
		return nil
	}
	flat := make(map[string][]int)
	for file, libs := range refs {
		for lib, slots := range libs {
			fqn := file + ":" + lib
			for _, s := range slots {
				flat[fqn] = append(flat[fqn], s.Start)
			}
		}
	}
	return flat
}

// auxdataRegion is one compiler-emitted trailer to skip during partial
// matching.
type auxdataRegion struct {
	ID     string
	Offset int
	Length int
}

// trailingAuxdata derives the CBOR auxdata region from the code's trailer.
// The last two bytes encode the big-endian length of the CBOR blob that
// precedes them. Codes without a plausible trailer (old Vyper) have none.
func trailingAuxdata(code []byte) (auxdataRegion, bool) {
	if len(code) < 2 {
		return auxdataRegion{}, false
	}
	l := int(code[len(code)-2])<<8 | int(code[len(code)-1])
	total := l + 2
	if l == 0 || total > len(code) {
		return auxdataRegion{}, false
	}
	return auxdataRegion{ID: "1", Offset: len(code) - total, Length: total}, true
}

// embeddedAuxdata locates the runtime trailer's bytes inside the creation
// code, where the compiler embeds the runtime image.
func embeddedAuxdata(creation, runtime []byte) (auxdataRegion, bool) {
	r, ok := trailingAuxdata(runtime)
	if !ok {
		return auxdataRegion{}, false
	}
	needle := runtime[r.Offset : r.Offset+r.Length]
	idx := bytes.Index(creation, needle)
	if idx < 0 {
		return auxdataRegion{}, false
	}
	return auxdataRegion{ID: "1", Offset: idx, Length: r.Length}, true
}

// storedAuxdata decodes a persisted auxdata position table, the shape the
// canonical store keeps per compilation: {"1": {"offset": N, "value": "0x…"}}.
func storedAuxdata(raw json.RawMessage) []auxdataRegion {
	if len(raw) == 0 {
		return nil
	}
	var table map[string]struct {
		Offset int    `json:"offset"`
		Value  string `json:"value"`
	}
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil
	}
	regions := make([]auxdataRegion, 0, len(table))
	for id, entry := range table {
		length := len(strings.TrimPrefix(entry.Value, "0x")) / 2
		if length == 0 {
			continue
		}
		regions = append(regions, auxdataRegion{ID: id, Offset: entry.Offset, Length: length})
	}
	return regions
}

// auxdataTable renders regions of a concrete bytecode back into the persisted
// table shape.
func auxdataTable(code []byte, regions []auxdataRegion) json.RawMessage {
	if len(regions) == 0 {
		return nil
	}
	table := make(map[string]map[string]any, len(regions))
	for _, r := range regions {
		if r.Offset < 0 || r.Offset+r.Length > len(code) {
			continue
		}
		table[r.ID] = map[string]any{
			"offset": r.Offset,
			"value":  "0x" + hex.EncodeToString(code[r.Offset:r.Offset+r.Length]),
		}
	}
	raw, err := json.Marshal(table)
	if err != nil {
		return nil
	}
	return raw
}

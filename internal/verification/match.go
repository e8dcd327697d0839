package verification

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/chainproof/verifier/internal/bytecode"
	"github.com/chainproof/verifier/internal/models"
)

const (
	libraryWindowLen    = 20
	callProtectionPush  = 0x73
)

// matchOutcome is the result of comparing one bytecode axis.
type matchOutcome struct {
	Status          *models.MatchStatus
	Transformations []bytecode.Transformation
	Values          json.RawMessage
	LibraryMap      map[string]string
}

// matchRuntime compares recompiled runtime bytecode against the on-chain
// runtime bytecode, applying library, call-protection and immutable
// transformations before the byte comparison and masking auxdata regions for
// the partial grade.
func matchRuntime(recompiled, onchain []byte, linkRefs map[string][]int, immutables map[string][]linkSlot, auxdata []auxdataRegion) matchOutcome {
	if len(recompiled) == 0 || len(onchain) != len(recompiled) {
		return matchOutcome{}
	}

	expected := make([]byte, len(recompiled))
	copy(expected, recompiled)

	var transforms []bytecode.Transformation
	values := map[string]any{}

	libraryMap := applyLibraries(expected, onchain, linkRefs, &transforms, values)
	applyCallProtection(expected, onchain, &transforms, values)
	applyImmutables(expected, onchain, immutables, &transforms, values)

	return grade(expected, onchain, auxdata, transforms, values, libraryMap)
}

// matchCreation compares recompiled creation bytecode against the creation
// transaction payload. Trailing bytes beyond the recompiled image are the
// ABI-encoded constructor arguments.
func matchCreation(recompiled, onchain []byte, linkRefs map[string][]int, auxdata []auxdataRegion) (matchOutcome, []byte) {
	if len(recompiled) == 0 || len(onchain) < len(recompiled) {
		return matchOutcome{}, nil
	}

	prefix := onchain[:len(recompiled)]
	expected := make([]byte, len(recompiled))
	copy(expected, recompiled)

	var transforms []bytecode.Transformation
	values := map[string]any{}

	libraryMap := applyLibraries(expected, prefix, linkRefs, &transforms, values)

	var constructorArgs []byte
	if len(onchain) > len(recompiled) {
		constructorArgs = onchain[len(recompiled):]
		transforms = append(transforms, bytecode.Transformation{
			Reason: bytecode.ReasonConstructorArguments,
			Offset: len(recompiled),
			Type:   "insert",
		})
		values["constructorArguments"] = "0x" + hex.EncodeToString(constructorArgs)
	}

	outcome := grade(expected, prefix, auxdata, transforms, values, libraryMap)
	if outcome.Status == nil {
		return matchOutcome{}, nil
	}
	return outcome, constructorArgs
}

// grade runs the final byte comparison: equal is perfect, equal outside the
// auxdata regions is partial, anything else is no match.
func grade(expected, onchain []byte, auxdata []auxdataRegion, transforms []bytecode.Transformation, values map[string]any, libraryMap map[string]string) matchOutcome {
	if bytes.Equal(expected, onchain) {
		return matchOutcome{
			Status:          models.Status(models.MatchPerfect),
			Transformations: sortedTransforms(transforms),
			Values:          marshalValues(values),
			LibraryMap:      libraryMap,
		}
	}

	if len(auxdata) == 0 || !equalOutsideRegions(expected, onchain, auxdata) {
		return matchOutcome{}
	}

	cbor := map[string]string{}
	for _, r := range auxdata {
		if r.Offset < 0 || r.Offset+r.Length > len(onchain) {
			continue
		}
		transforms = append(transforms, bytecode.Transformation{
			Reason: bytecode.ReasonCborAuxdata,
			Offset: r.Offset,
			Type:   "replace",
			ID:     r.ID,
		})
		cbor[r.ID] = "0x" + hex.EncodeToString(onchain[r.Offset:r.Offset+r.Length])
	}
	values["cborAuxdata"] = cbor

	return matchOutcome{
		Status:          models.Status(models.MatchPartial),
		Transformations: sortedTransforms(transforms),
		Values:          marshalValues(values),
		LibraryMap:      libraryMap,
	}
}

// applyLibraries copies the on-chain library addresses over the placeholder
// windows and records the transformations. Returns the resolved library map.
func applyLibraries(expected, onchain []byte, linkRefs map[string][]int, transforms *[]bytecode.Transformation, values map[string]any) map[string]string {
	if len(linkRefs) == 0 {
		return nil
	}
	libraries := map[string]string{}
	for fqn, offsets := range linkRefs {
		for _, off := range offsets {
			if off < 0 || off+libraryWindowLen > len(expected) {
				continue
			}
			copy(expected[off:off+libraryWindowLen], onchain[off:off+libraryWindowLen])
			*transforms = append(*transforms, bytecode.Transformation{
				Reason: bytecode.ReasonLibrary,
				Offset: off,
				Type:   "replace",
				ID:     fqn,
			})
			if _, seen := libraries[fqn]; !seen {
				libraries[fqn] = "0x" + hex.EncodeToString(onchain[off:off+libraryWindowLen])
			}
		}
	}
	if len(libraries) > 0 {
		values["libraries"] = libraries
	}
	return libraries
}

// applyCallProtection handles the PUSH20 self-address prologue the compiler
// emits for libraries deployed directly. The recompiled image carries zeros
// where the chain has the library's own address.
func applyCallProtection(expected, onchain []byte, transforms *[]bytecode.Transformation, values map[string]any) {
	if len(expected) < 1+libraryWindowLen || expected[0] != callProtectionPush {
		return
	}
	window := expected[1 : 1+libraryWindowLen]
	if !bytes.Equal(window, make([]byte, libraryWindowLen)) {
		return
	}
	onchainWindow := onchain[1 : 1+libraryWindowLen]
	if bytes.Equal(onchainWindow, make([]byte, libraryWindowLen)) {
		return
	}
	copy(window, onchainWindow)
	*transforms = append(*transforms, bytecode.Transformation{
		Reason: bytecode.ReasonCallProtection,
		Offset: 1,
		Type:   "replace",
	})
	values["callProtection"] = "0x" + hex.EncodeToString(onchainWindow)
}

// applyImmutables copies on-chain immutable values over the zeroed slots of
// the recompiled image.
func applyImmutables(expected, onchain []byte, immutables map[string][]linkSlot, transforms *[]bytecode.Transformation, values map[string]any) {
	if len(immutables) == 0 {
		return
	}
	resolved := map[string]string{}
	for id, slots := range immutables {
		for _, s := range slots {
			if s.Start < 0 || s.Start+s.Length > len(expected) {
				continue
			}
			copy(expected[s.Start:s.Start+s.Length], onchain[s.Start:s.Start+s.Length])
			*transforms = append(*transforms, bytecode.Transformation{
				Reason: bytecode.ReasonImmutable,
				Offset: s.Start,
				Type:   "replace",
				ID:     id,
			})
			if _, seen := resolved[id]; !seen {
				resolved[id] = "0x" + hex.EncodeToString(onchain[s.Start:s.Start+s.Length])
			}
		}
	}
	if len(resolved) > 0 {
		values["immutables"] = resolved
	}
}

// equalOutsideRegions compares two equal-length byte strings everywhere except
// inside the given regions.
func equalOutsideRegions(a, b []byte, regions []auxdataRegion) bool {
	masked := make([]bool, len(a))
	for _, r := range regions {
		for i := r.Offset; i < r.Offset+r.Length && i < len(masked); i++ {
			if i >= 0 {
				masked[i] = true
			}
		}
	}
	for i := range a {
		if !masked[i] && a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedTransforms(transforms []bytecode.Transformation) []bytecode.Transformation {
	sort.SliceStable(transforms, func(i, j int) bool {
		return transforms[i].Offset < transforms[j].Offset
	})
	return transforms
}

func marshalValues(values map[string]any) json.RawMessage {
	if len(values) == 0 {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

package verification

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/bytecode"
	"github.com/chainproof/verifier/internal/models"
)

// buildCode returns a bytecode of the given body followed by a CBOR-style
// trailer whose last two bytes encode the trailer length.
func buildCode(body []byte, trailer []byte) []byte {
	code := append([]byte{}, body...)
	code = append(code, trailer...)
	code = append(code, byte(len(trailer)>>8), byte(len(trailer)))
	return code
}

func TestMatchRuntimePerfect(t *testing.T) {
	code := buildCode([]byte{0x60, 0x80, 0x60, 0x40}, []byte{0xa2, 0x64, 0x69, 0x70})

	outcome := matchRuntime(code, code, nil, nil, nil)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, models.MatchPerfect, *outcome.Status)
	assert.Empty(t, outcome.Transformations)
}

func TestMatchRuntimePartialOnAuxdataDifference(t *testing.T) {
	body := []byte{0x60, 0x80, 0x60, 0x40}
	recompiled := buildCode(body, []byte{0xa2, 0x64, 0x69, 0x70})
	onchain := buildCode(body, []byte{0xa2, 0x64, 0x69, 0x71})

	region, ok := trailingAuxdata(recompiled)
	require.True(t, ok)

	outcome := matchRuntime(recompiled, onchain, nil, nil, []auxdataRegion{region})

	require.NotNil(t, outcome.Status)
	assert.Equal(t, models.MatchPartial, *outcome.Status)
	require.Len(t, outcome.Transformations, 1)
	assert.Equal(t, bytecode.ReasonCborAuxdata, outcome.Transformations[0].Reason)
	assert.Equal(t, region.Offset, outcome.Transformations[0].Offset)

	var values map[string]map[string]string
	require.NoError(t, json.Unmarshal(outcome.Values, &values))
	assert.Equal(t, "0xa2646971", values["cborAuxdata"]["1"])
}

func TestMatchRuntimeNoMatchOutsideAuxdata(t *testing.T) {
	recompiled := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64})
	onchain := buildCode([]byte{0x60, 0x81}, []byte{0xa2, 0x64})

	region, _ := trailingAuxdata(recompiled)
	outcome := matchRuntime(recompiled, onchain, nil, nil, []auxdataRegion{region})

	assert.Nil(t, outcome.Status)
}

func TestMatchRuntimeLengthMismatch(t *testing.T) {
	outcome := matchRuntime([]byte{0x60, 0x80}, []byte{0x60, 0x80, 0x00}, nil, nil, nil)
	assert.Nil(t, outcome.Status)
}

func TestMatchRuntimeResolvesLibraries(t *testing.T) {
	addr := bytes.Repeat([]byte{0xaa}, 20)

	recompiled := append([]byte{0x60}, make([]byte, 20)...)
	recompiled = append(recompiled, 0x50)
	onchain := append([]byte{0x60}, addr...)
	onchain = append(onchain, 0x50)

	linkRefs := map[string][]int{"lib/Math.sol:Math": {1}}
	outcome := matchRuntime(recompiled, onchain, linkRefs, nil, nil)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, models.MatchPerfect, *outcome.Status)
	require.Len(t, outcome.Transformations, 1)
	assert.Equal(t, bytecode.ReasonLibrary, outcome.Transformations[0].Reason)
	assert.Equal(t, "lib/Math.sol:Math", outcome.Transformations[0].ID)
	assert.Equal(t, "0x"+"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", outcome.LibraryMap["lib/Math.sol:Math"])
}

func TestMatchRuntimeResolvesImmutables(t *testing.T) {
	recompiled := append([]byte{0x7f}, make([]byte, 32)...)
	onchain := append([]byte{0x7f}, bytes.Repeat([]byte{0x01}, 32)...)

	immutables := map[string][]linkSlot{"7": {{Start: 1, Length: 32}}}
	outcome := matchRuntime(recompiled, onchain, nil, immutables, nil)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, models.MatchPerfect, *outcome.Status)
	require.Len(t, outcome.Transformations, 1)
	assert.Equal(t, bytecode.ReasonImmutable, outcome.Transformations[0].Reason)
	assert.Equal(t, "7", outcome.Transformations[0].ID)
}

func TestMatchRuntimeCallProtection(t *testing.T) {
	addr := bytes.Repeat([]byte{0xbb}, 20)

	recompiled := append([]byte{0x73}, make([]byte, 20)...)
	recompiled = append(recompiled, 0x30, 0x14)
	onchain := append([]byte{0x73}, addr...)
	onchain = append(onchain, 0x30, 0x14)

	outcome := matchRuntime(recompiled, onchain, nil, nil, nil)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, models.MatchPerfect, *outcome.Status)
	require.Len(t, outcome.Transformations, 1)
	assert.Equal(t, bytecode.ReasonCallProtection, outcome.Transformations[0].Reason)
	assert.Equal(t, 1, outcome.Transformations[0].Offset)
}

func TestMatchCreationExtractsConstructorArguments(t *testing.T) {
	recompiled := buildCode([]byte{0x60, 0x80, 0x60, 0x40}, []byte{0xa2, 0x64})
	args := []byte{0x00, 0x00, 0x00, 0x2a}
	onchain := append(append([]byte{}, recompiled...), args...)

	outcome, constructorArgs := matchCreation(recompiled, onchain, nil, nil)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, models.MatchPerfect, *outcome.Status)
	assert.Equal(t, args, constructorArgs)

	var found bool
	for _, tr := range outcome.Transformations {
		if tr.Reason == bytecode.ReasonConstructorArguments {
			found = true
			assert.Equal(t, len(recompiled), tr.Offset)
			assert.Equal(t, "insert", tr.Type)
		}
	}
	assert.True(t, found)
}

func TestMatchCreationShorterOnchainIsNoMatch(t *testing.T) {
	recompiled := []byte{0x60, 0x80, 0x60, 0x40}
	outcome, args := matchCreation(recompiled, recompiled[:2], nil, nil)
	assert.Nil(t, outcome.Status)
	assert.Nil(t, args)
}

func TestTrailingAuxdata(t *testing.T) {
	code := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64, 0x69})
	region, ok := trailingAuxdata(code)
	require.True(t, ok)
	assert.Equal(t, 2, region.Offset)
	assert.Equal(t, 5, region.Length)

	_, ok = trailingAuxdata([]byte{0x00})
	assert.False(t, ok)

	// implausible trailer length
	_, ok = trailingAuxdata([]byte{0x60, 0xff, 0xff})
	assert.False(t, ok)
}

func TestEmbeddedAuxdata(t *testing.T) {
	runtime := buildCode([]byte{0x60, 0x80}, []byte{0xa2, 0x64, 0x69})
	creation := append([]byte{0x60, 0x0a, 0x60, 0x0c}, runtime...)

	region, ok := embeddedAuxdata(creation, runtime)
	require.True(t, ok)
	assert.Equal(t, 6, region.Offset)
	assert.Equal(t, 7, region.Length)
}

func TestStoredAuxdataRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"1":{"offset":4,"value":"0xa264ffff"}}`)
	regions := storedAuxdata(raw)
	require.Len(t, regions, 1)
	assert.Equal(t, 4, regions[0].Offset)
	assert.Equal(t, 4, regions[0].Length)
	assert.Equal(t, "1", regions[0].ID)

	assert.Nil(t, storedAuxdata(nil))
	assert.Nil(t, storedAuxdata(json.RawMessage(`not json`)))
}

func TestSplitTarget(t *testing.T) {
	path, name, ok := splitTarget("contracts/Storage.sol:Storage")
	require.True(t, ok)
	assert.Equal(t, "contracts/Storage.sol", path)
	assert.Equal(t, "Storage", name)

	// windows-style path keeps the last segment as the name
	path, name, ok = splitTarget("c:src/A.sol:A")
	require.True(t, ok)
	assert.Equal(t, "c:src/A.sol", path)
	assert.Equal(t, "A", name)

	_, _, ok = splitTarget("NoColon")
	assert.False(t, ok)
	_, _, ok = splitTarget("trailing:")
	assert.False(t, ok)
}

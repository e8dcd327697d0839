// Package signature extracts function, event and error selectors from
// contract ABIs and supports the selector lookup endpoints.
package signature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/repository"
)

// Extract derives the deduplicated signature set of an ABI. Constructors,
// fallback and receive carry no selector and are skipped. An empty or absent
// ABI yields an empty set, not an error.
func Extract(rawABI json.RawMessage) ([]repository.ExtractedSignature, error) {
	if len(rawABI) == 0 || bytes.Equal(bytes.TrimSpace(rawABI), []byte("null")) {
		return nil, nil
	}

	parsed, err := abi.JSON(strings.NewReader(string(rawABI)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	seen := make(map[string]struct{})
	var sigs []repository.ExtractedSignature

	add := func(text string, typ models.SignatureType) {
		key := text + "/" + string(typ)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		sigs = append(sigs, repository.ExtractedSignature{
			Text: text,
			Hash: crypto.Keccak256([]byte(text)),
			Type: typ,
		})
	}

	for _, m := range parsed.Methods {
		add(m.Sig, models.SignatureFunction)
	}
	for _, e := range parsed.Events {
		add(e.Sig, models.SignatureEvent)
	}
	for _, e := range parsed.Errors {
		add(e.Sig, models.SignatureError)
	}
	return sigs, nil
}

// LookupEntry is one selector lookup result. Canonical reports whether the
// stored text re-hashes to the stored full hash; non-canonical variants come
// from imported datasets and can be filtered out by the caller.
type LookupEntry struct {
	Signature *models.Signature
	Canonical bool
}

// Annotate marks canonical entries. With filter set, non-canonical entries
// are dropped entirely.
func Annotate(sigs []*models.Signature, filter bool) []LookupEntry {
	var entries []LookupEntry
	for _, s := range sigs {
		canonical := bytes.Equal(crypto.Keccak256([]byte(s.Text)), s.Hash)
		if filter && !canonical {
			continue
		}
		entries = append(entries, LookupEntry{Signature: s, Canonical: canonical})
	}
	return entries
}

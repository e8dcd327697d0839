package sink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/verification"
)

// FilesystemSink writes the verified source package to an on-disk repository:
// contracts/{full|partial}_match/{chainId}/{checksumAddress}/...
type FilesystemSink struct {
	id   Identifier
	root string
}

// NewFilesystemSink creates a filesystem repository sink rooted at root.
func NewFilesystemSink(id Identifier, root string) *FilesystemSink {
	return &FilesystemSink{id: id, root: root}
}

// Identifier implements WriteSink.
func (s *FilesystemSink) Identifier() Identifier {
	return s.id
}

// Init creates the repository root.
func (s *FilesystemSink) Init(ctx context.Context) error {
	return os.MkdirAll(filepath.Join(s.root, "contracts"), 0o755)
}

// StoreVerification implements WriteSink. Writes are atomic at the leaf
// (temp file + rename); concurrent writers to the same leaf are
// last-writer-wins, which is safe because the content is content-addressed
// by the metadata hash.
func (s *FilesystemSink) StoreVerification(ctx context.Context, result *verification.Result, jobCtx *JobContext) error {
	if !result.Matched() {
		return fmt.Errorf("%s: refusing to store an unmatched verification", s.id)
	}

	matchDir := "partial_match"
	if overall(result) == models.MatchPerfect {
		matchDir = "full_match"
	}

	base := filepath.Join(
		s.root, "contracts", matchDir,
		fmt.Sprintf("%d", result.ChainID),
		result.Address.Hex(),
	)
	if err := os.MkdirAll(filepath.Join(base, "sources"), 0o755); err != nil {
		return fmt.Errorf("%s: create contract dir: %w", s.id, err)
	}

	files, err := buildRepositoryFiles(result)
	if err != nil {
		return fmt.Errorf("%s: %w", s.id, err)
	}
	for name, content := range files {
		if err := writeAtomic(filepath.Join(base, name), content); err != nil {
			return fmt.Errorf("%s: write %s: %w", s.id, name, err)
		}
	}

	// On an upgrade to a full match, the stale partial directory is removed
	// so consumers observe a single location per contract.
	if matchDir == "full_match" {
		partial := filepath.Join(
			s.root, "contracts", "partial_match",
			fmt.Sprintf("%d", result.ChainID),
			result.Address.Hex(),
		)
		if err := os.RemoveAll(partial); err != nil {
			return fmt.Errorf("%s: remove partial dir: %w", s.id, err)
		}
	}
	return nil
}

// buildRepositoryFiles lays out the per-contract file set, keyed by relative
// path under the contract directory.
func buildRepositoryFiles(result *verification.Result) (map[string][]byte, error) {
	files := make(map[string][]byte)

	if len(result.Compilation.Metadata) > 0 {
		files["metadata.json"] = result.Compilation.Metadata
	}
	for path, content := range result.Compilation.Sources {
		files[filepath.Join("sources", SanitizePath(path))] = []byte(content)
	}
	if result.Deployment.TransactionHash != nil {
		files["creator-tx-hash.txt"] = []byte(result.Deployment.TransactionHash.Hex())
	}
	if len(result.ConstructorArguments) > 0 {
		files["constructor-args.txt"] = []byte("0x" + hex.EncodeToString(result.ConstructorArguments))
	}
	if len(result.LibraryMap) > 0 {
		raw, err := json.MarshalIndent(result.LibraryMap, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal library map: %w", err)
		}
		files["library-map.json"] = raw
	}
	if len(result.ImmutableReferences) > 0 {
		files["immutable-references.json"] = result.ImmutableReferences
	}
	return files, nil
}

// SanitizePath neutralizes hostile source paths: traversal segments and
// absolute roots are stripped, newlines removed, separators normalized.
func SanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\n", "")
	path = strings.ReplaceAll(path, "\r", "")

	var kept []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".", "..":
			continue
		}
		// Strip Windows drive prefixes like "C:".
		if len(seg) == 2 && seg[1] == ':' {
			continue
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return "unnamed"
	}
	return strings.Join(kept, "/")
}

func writeAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func overall(result *verification.Result) models.MatchStatus {
	if result.RuntimeMatch != nil {
		return *result.RuntimeMatch
	}
	if result.CreationMatch != nil {
		return *result.CreationMatch
	}
	return ""
}

var _ WriteSink = (*FilesystemSink)(nil)

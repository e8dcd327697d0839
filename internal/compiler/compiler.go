// Package compiler shells out to pinned solc and vyper binaries.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/verification"
)

const compileTimeout = 5 * time.Minute

// BinaryCompiler resolves versioned compiler binaries from local directories
// and runs them in standard JSON mode.
type BinaryCompiler struct {
	solcDir  string
	vyperDir string
}

// New creates a compiler backed by the configured binary directories.
func New(cfg config.CompilersConfig) *BinaryCompiler {
	return &BinaryCompiler{solcDir: cfg.SolcDir, vyperDir: cfg.VyperDir}
}

// Compile implements verification.Compiler. The input is passed on stdin with
// --standard-json; the compiler's stdout is the standard JSON output.
func (c *BinaryCompiler) Compile(ctx context.Context, language verification.Language, version string, jsonInput json.RawMessage) (json.RawMessage, error) {
	binary, err := c.resolveBinary(language, version)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, "--standard-json")
	cmd.Stdin = bytes.NewReader(jsonInput)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("compiler %s timed out after %s", version, compileTimeout)
		}
		return nil, fmt.Errorf("compiler %s failed: %w: %s", version, err, strings.TrimSpace(stderr.String()))
	}

	output := stdout.Bytes()
	if !json.Valid(output) {
		return nil, fmt.Errorf("compiler %s produced invalid JSON output", version)
	}
	return output, nil
}

// resolveBinary maps (language, version) to an executable path. Binaries are
// laid out flat as solc-<version> and vyper-<version>.
func (c *BinaryCompiler) resolveBinary(language verification.Language, version string) (string, error) {
	var path string
	switch language {
	case verification.LanguageVyper:
		path = filepath.Join(c.vyperDir, "vyper-"+sanitizeVersion(version))
	case verification.LanguageSolidity:
		path = filepath.Join(c.solcDir, "solc-"+sanitizeVersion(version))
	default:
		return "", verification.NewError(verification.CodeUnsupportedLanguage,
			fmt.Sprintf("unsupported language %q", language))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", verification.NewError(verification.CodeUnsupportedCompilerVersion,
			fmt.Sprintf("no %s binary installed for version %s", language, version))
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("compiler binary %s is not executable", path)
	}
	return path, nil
}

// HasVersion reports whether a binary for the version is installed.
func (c *BinaryCompiler) HasVersion(language verification.Language, version string) bool {
	_, err := c.resolveBinary(language, version)
	return err == nil
}

// sanitizeVersion strips prefixes the submission formats carry and anything
// that could escape the binary directory.
func sanitizeVersion(version string) string {
	version = strings.TrimPrefix(version, "vyper:")
	version = strings.TrimPrefix(version, "v")
	version = strings.ReplaceAll(version, "/", "")
	version = strings.ReplaceAll(version, "\\", "")
	version = strings.ReplaceAll(version, "..", "")
	return version
}

var _ verification.Compiler = (*BinaryCompiler)(nil)

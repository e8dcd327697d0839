package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/verification"
)

// contractMetadata is the subset of the Solidity metadata document needed to
// rebuild a standard JSON input.
type contractMetadata struct {
	Language string `json:"language"`
	Compiler struct {
		Version string `json:"version"`
	} `json:"compiler"`
	Settings map[string]json.RawMessage `json:"settings"`
	Sources  map[string]struct {
		Content string `json:"content"`
	} `json:"sources"`
}

// compilationFromMetadata rebuilds a compilation unit from a metadata document
// and user-supplied source files. With useAllSources false only the sources
// the metadata names are included; the retry after an extra-file-input-bug
// failure passes true to include everything the user uploaded.
func compilationFromMetadata(metadata json.RawMessage, sources map[string]string, useAllSources bool) (*verification.Compilation, error) {
	var meta contractMetadata
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return nil, apierrors.ErrInvalidJSON.WithMessage(fmt.Sprintf("invalid metadata document: %v", err))
	}

	language, compilerName, err := languageFromMetadata(meta.Language)
	if err != nil {
		return nil, err
	}
	if meta.Compiler.Version == "" {
		return nil, apierrors.ErrInvalidParameter.WithMessage("metadata is missing the compiler version")
	}

	target, err := targetFromSettings(meta.Settings)
	if err != nil {
		return nil, err
	}

	inputSources := make(map[string]map[string]string)
	for path, s := range meta.Sources {
		content := s.Content
		if content == "" {
			content = sources[path]
		}
		if content == "" && !useAllSources {
			return nil, apierrors.ErrInvalidParameter.WithMessage(
				fmt.Sprintf("metadata references source %q but no content was supplied", path))
		}
		if content != "" {
			inputSources[path] = map[string]string{"content": content}
		}
	}
	if useAllSources {
		for path, content := range sources {
			if _, ok := inputSources[path]; !ok {
				inputSources[path] = map[string]string{"content": content}
			}
		}
	}

	settings := make(map[string]json.RawMessage, len(meta.Settings))
	for k, v := range meta.Settings {
		if k == "compilationTarget" {
			continue
		}
		settings[k] = v
	}

	input, err := json.Marshal(map[string]any{
		"language": meta.Language,
		"sources":  inputSources,
		"settings": settings,
	})
	if err != nil {
		return nil, err
	}

	return &verification.Compilation{
		Compiler:  compilerName,
		Language:  language,
		Version:   meta.Compiler.Version,
		JSONInput: input,
		Target:    target,
	}, nil
}

func languageFromMetadata(language string) (verification.Language, string, error) {
	switch strings.ToLower(language) {
	case "solidity":
		return verification.LanguageSolidity, "solc", nil
	case "vyper":
		return verification.LanguageVyper, "vyper", nil
	default:
		return "", "", apierrors.New("unsupported_language", 400,
			fmt.Sprintf("unsupported language %q", language))
	}
}

// targetFromSettings extracts the single compilationTarget entry as a fully
// qualified name.
func targetFromSettings(settings map[string]json.RawMessage) (string, error) {
	raw, ok := settings["compilationTarget"]
	if !ok {
		return "", apierrors.ErrInvalidParameter.WithMessage("metadata is missing settings.compilationTarget")
	}
	var target map[string]string
	if err := json.Unmarshal(raw, &target); err != nil || len(target) != 1 {
		return "", apierrors.ErrInvalidParameter.WithMessage("settings.compilationTarget must name exactly one contract")
	}
	for path, name := range target {
		return path + ":" + name, nil
	}
	return "", apierrors.ErrInvalidParameter.WithMessage("settings.compilationTarget must name exactly one contract")
}

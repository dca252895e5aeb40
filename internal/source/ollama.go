package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	OllamaDefaultTag      = "latest"
	OllamaDefaultRegistry = "registry.ollama.ai"
	OllamaMediaTypeModel  = "application/vnd.ollama.image.model"
)

type ollamaManifest struct {
	SchemaVersion int           `json:"schemaVersion"`
	Layers        []ollamaLayer `json:"layers"`
}

type ollamaLayer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// OllamaDir returns $OLLAMA_MODELS or ~/.ollama/models.
func OllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ResolveOllama maps a model reference to the path of its GGUF blob.
// Accepted forms: "name", "name:tag", "namespace/name:tag" and
// "host/namespace/name:tag"; short names live in the library namespace.
func ResolveOllama(ref string) (string, error) {
	base, err := OllamaDir()
	if err != nil {
		return "", err
	}
	return resolveOllamaIn(base, ref)
}

func resolveOllamaIn(base, ref string) (string, error) {
	name, tag := ref, OllamaDefaultTag
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		name, tag = ref[:i], ref[i+1:]
	}
	if name == "" || tag == "" {
		return "", fmt.Errorf("invalid ollama reference %q", ref)
	}
	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		parts = []string{OllamaDefaultRegistry, "library", parts[0]}
	case 2:
		parts = append([]string{OllamaDefaultRegistry}, parts...)
	}
	manifestPath := filepath.Join(append(append([]string{base, "manifests"}, parts...), tag)...)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("ollama manifest for %q: %w", ref, err)
	}
	var m ollamaManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("ollama manifest %s: %w", manifestPath, err)
	}
	var digest string
	for _, l := range m.Layers {
		if l.MediaType == OllamaMediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("ollama manifest %s has no model layer", manifestPath)
	}
	// Digest "sha256:<hash>" is stored as blobs/sha256-<hash>.
	blobPath := filepath.Join(base, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("ollama blob for %q: %w", ref, err)
	}
	return blobPath, nil
}

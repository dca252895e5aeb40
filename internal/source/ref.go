// Package source resolves model source strings and acquires the model bytes:
// local paths are used in place, Ollama references are resolved to their blob,
// and remote URLs are downloaded into a content-addressed cache.
package source

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"bitnet/internal/common/fsutil"
)

// Kind classifies a model source.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
	KindOllama
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindOllama:
		return "ollama"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrEmpty is returned for an empty or blank source string.
	ErrEmpty = errors.New("source is empty")
	// ErrUnsupportedScheme is returned for URLs other than http(s), file and ollama.
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
)

// Ref is a parsed source. Location is a filesystem path for local sources,
// a URL for remote ones and a name[:tag] for Ollama references.
type Ref struct {
	Raw      string
	Kind     Kind
	Location string
}

// Parse classifies raw. A string without "://" is a local path; a leading
// '~' is expanded.
func Parse(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, ErrEmpty
	}
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") {
		p, err := fsutil.ExpandHome(s)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Raw: raw, Kind: KindLocal, Location: filepath.Clean(p)}, nil
	}
	switch strings.ToLower(scheme) {
	case "http", "https":
		return Ref{Raw: raw, Kind: KindRemote, Location: s}, nil
	case "file":
		if rest == "" {
			return Ref{}, fmt.Errorf("%w: file URL without a path", ErrEmpty)
		}
		p, err := fsutil.ExpandHome(rest)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Raw: raw, Kind: KindLocal, Location: filepath.Clean(p)}, nil
	case "ollama":
		if rest == "" {
			return Ref{}, fmt.Errorf("%w: ollama reference without a model name", ErrEmpty)
		}
		return Ref{Raw: raw, Kind: KindOllama, Location: rest}, nil
	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

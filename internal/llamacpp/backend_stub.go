//go:build !llama

package llamacpp

import (
	"context"

	"bitnet/pkg/engine"
)

const llamaBuilt = false

// Upload fails fast: the llama runtime is not part of this build.
func (b *Backend) Upload(ctx context.Context, req engine.UploadRequest, progress func(float64)) (engine.Runtime, error) {
	return nil, engine.ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

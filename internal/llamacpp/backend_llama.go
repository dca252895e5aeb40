//go:build llama

package llamacpp

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"bitnet/pkg/engine"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// Upload loads the artifact with go-llama.cpp. llama.New offers no progress
// hook, so only the start of placement is reported.
func (b *Backend) Upload(ctx context.Context, req engine.UploadRequest, progress func(float64)) (engine.Runtime, error) {
	if strings.TrimSpace(req.Artifact.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(0)
	}
	mo := []llama.ModelOption{
		llama.SetContext(req.ContextSize),
		llama.SetGPULayers(gpuLayers(req.GPULayers)),
		llama.SetMMap(req.MMap),
	}
	m, err := llama.New(req.Artifact.Path, mo...)
	if err != nil {
		return nil, err
	}
	return &session{model: m, threads: threadsOr(req.Threads, b.threads)}, nil
}

// session owns the loaded model.
type session struct {
	model   *llama.LLama
	threads int
}

func (s *session) Generate(ctx context.Context, prompt string, p engine.Params, onToken engine.TokenHook) (engine.FinishReason, error) {
	if s.model == nil {
		return "", errors.New("llama model not initialized")
	}
	var (
		produced int
		stopped  bool
	)
	s.model.SetTokenCallback(func(tok string) bool {
		if stopped {
			return false
		}
		select {
		case <-ctx.Done():
			stopped = true
			return false
		default:
		}
		produced++
		if !onToken(tok) {
			stopped = true
			return false
		}
		return true
	})
	_, err := s.model.Predict(prompt, predictOptions(p, s.threads)...)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil && !stopped {
		return "", err
	}
	return finishReason(stopped, produced, p), nil
}

func (s *session) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// predictOptions converts sampling params into go-llama.cpp options.
func predictOptions(p engine.Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(threadsOr(p.Threads, threads)),
		llama.SetTopK(p.TopK),
		llama.SetTemperature(p.Temperature),
		llama.SetPenalty(p.RepeatPenalty),
		llama.SetRepeat(p.RepeatLastN),
		llama.SetTopP(topP(p.TopP)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}

// Package loader runs the three-phase model load pipeline: acquire the bytes
// (Download), validate the GGUF container (Parse) and hand the artifact to an
// engine backend (Upload).
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bitnet/internal/metrics"
	"bitnet/internal/prompt"
	"bitnet/internal/source"
	"bitnet/pkg/engine"
	"bitnet/pkg/gguf"
)

// Error is a load failure tagged with the phase that failed.
type Error struct {
	Phase  Phase
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("load %q: %s failed: %v", e.Source, phaseVerb(e.Phase), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func phaseVerb(p Phase) string {
	switch p {
	case PhaseDownload:
		return "acquiring model"
	case PhaseParse:
		return "parsing model"
	case PhaseUpload:
		return "placing model"
	default:
		return p.String()
	}
}

// Options configures one pipeline run.
type Options struct {
	Fetcher     *source.Fetcher
	Backend     engine.Backend
	ContextSize int
	GPULayers   int
	MMap        bool
	Threads     int
	OnProgress  func(Progress)
	Log         zerolog.Logger
}

// Loaded is the outcome of a successful run.
type Loaded struct {
	Ref      source.Ref
	Artifact engine.Artifact
	Runtime  engine.Runtime
	Template prompt.Template
}

// Run loads raw. It is synchronous; progress callbacks run before Run
// returns and never after.
func Run(ctx context.Context, raw string, opts Options) (*Loaded, error) {
	if opts.Fetcher == nil || opts.Backend == nil {
		return nil, errors.New("loader: fetcher and backend are required")
	}
	rep := newReporter(opts.OnProgress)
	defer rep.close()
	log := opts.Log.With().Str("source", raw).Logger()
	start := time.Now()
	fail := func(p Phase, e error) (*Loaded, error) {
		metrics.LoadFailures.WithLabelValues(p.String()).Inc()
		metrics.LoadsTotal.WithLabelValues("error").Inc()
		log.Error().Err(e).Str("phase", p.String()).Msg("model load failed")
		return nil, &Error{Phase: p, Source: raw, Err: e}
	}

	// Download
	t := time.Now()
	ref, err := source.Parse(raw)
	if err != nil {
		return fail(PhaseDownload, err)
	}
	rep.begin(PhaseDownload)
	res, err := opts.Fetcher.Fetch(ctx, ref, rep.bytes)
	if err != nil {
		return fail(PhaseDownload, err)
	}
	rep.complete(uint64(res.Size), uint64(res.Size))
	metrics.LoadPhaseDuration.WithLabelValues(PhaseDownload.String()).Observe(time.Since(t).Seconds())
	log.Debug().Str("path", res.Path).Int64("bytes", res.Size).Bool("cached", res.Cached).Msg("model acquired")

	// Parse
	t = time.Now()
	rep.begin(PhaseParse)
	meta, err := gguf.ReadFile(res.Path, rep.bytes)
	if err != nil {
		if res.Cached {
			if eerr := opts.Fetcher.Evict(ref); eerr != nil {
				log.Warn().Err(eerr).Msg("evict corrupt cache entry")
			}
		}
		return fail(PhaseParse, err)
	}
	n := uint64(len(meta.Tensors))
	rep.complete(n, n)
	metrics.LoadPhaseDuration.WithLabelValues(PhaseParse.String()).Observe(time.Since(t).Seconds())
	tmpl := prompt.DetectFile(meta)
	log.Debug().Str("arch", meta.Architecture()).Uint64("tensors", n).Str("template", tmpl.String()).Msg("model parsed")

	// Upload
	t = time.Now()
	rep.begin(PhaseUpload)
	art := engine.Artifact{Path: res.Path, Size: res.Size, Meta: meta}
	rt, err := opts.Backend.Upload(ctx, engine.UploadRequest{
		Artifact:    art,
		ContextSize: opts.ContextSize,
		GPULayers:   opts.GPULayers,
		MMap:        opts.MMap,
		Threads:     opts.Threads,
	}, rep.fraction)
	if err == nil && rt == nil {
		err = fmt.Errorf("backend %s returned no runtime", opts.Backend.Name())
	}
	if err != nil {
		return fail(PhaseUpload, err)
	}
	rep.complete(0, 0)
	rep.close()
	metrics.LoadPhaseDuration.WithLabelValues(PhaseUpload.String()).Observe(time.Since(t).Seconds())
	metrics.LoadsTotal.WithLabelValues("ok").Inc()
	log.Info().Str("backend", opts.Backend.Name()).Dur("dur", time.Since(start)).Msg("model loaded")

	return &Loaded{Ref: ref, Artifact: art, Runtime: rt, Template: tmpl}, nil
}

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"bitnet/internal/common/fsutil"
	"bitnet/internal/metrics"
)

// ProgressFunc observes byte-level acquisition. total is 0 when unknown.
type ProgressFunc func(loaded, total uint64)

// Result describes acquired model bytes on the local filesystem.
type Result struct {
	Path string
	Size int64
	// Cached is true when Path lives in the download cache and may be
	// evicted if its content proves corrupt.
	Cached bool
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// ErrShortBody is returned when a response ends before its Content-Length.
var ErrShortBody = errors.New("response body shorter than Content-Length")

// unknownTotalStep is the reporting interval when Content-Length is absent.
const unknownTotalStep = 1 << 20

// Fetcher acquires model sources. The zero value is not usable; use
// NewFetcher.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	log      func() zerolog.Logger
	group    singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is a shared download. It runs detached from any single caller and
// is cancelled once every waiter has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int

	// pmu serializes progress delivery with the owner leaving, so the owner
	// sees no reports after its Fetch returns.
	pmu      sync.Mutex
	progress ProgressFunc
}

func (fl *flight) report(loaded, total uint64) {
	fl.pmu.Lock()
	defer fl.pmu.Unlock()
	if fl.progress != nil {
		fl.progress(loaded, total)
	}
}

// NewFetcher returns a Fetcher caching downloads under cacheDir. A nil
// client selects http.DefaultClient. log is consulted on every use so a
// logger installed later still applies.
func NewFetcher(client *http.Client, cacheDir string, log func() zerolog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, cacheDir: cacheDir, log: log}
}

// CacheKey is the cache file name for a remote source.
func CacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CachePath returns where ref is cached, or "" for non-remote refs.
func (f *Fetcher) CachePath(ref Ref) string {
	if ref.Kind != KindRemote {
		return ""
	}
	return filepath.Join(f.cacheDir, CacheKey(ref.Location))
}

// Fetch makes ref available as a local file. Local and Ollama sources are
// used in place. Remote sources are served from the cache or downloaded.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref, progress ProgressFunc) (Result, error) {
	switch ref.Kind {
	case KindLocal:
		return statLocal(ref.Location)
	case KindOllama:
		p, err := ResolveOllama(ref.Location)
		if err != nil {
			return Result{}, err
		}
		return statLocal(p)
	case KindRemote:
		return f.fetchRemote(ctx, ref, progress)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ref.Kind)
	}
}

// Evict removes the cached copy of ref, if any.
func (f *Fetcher) Evict(ref Ref) error {
	p := f.CachePath(ref)
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l := f.log()
	l.Info().Str("source", ref.Raw).Str("path", p).Msg("evicted cached model")
	return nil
}

func statLocal(p string) (Result, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return Result{}, err
	}
	if fi.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", p)
	}
	return Result{Path: p, Size: fi.Size()}, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, ref Ref, progress ProgressFunc) (Result, error) {
	if f.cacheDir == "" {
		return Result{}, errors.New("no cache directory configured for remote source")
	}
	dst := f.CachePath(ref)
	if fi, err := os.Stat(dst); err == nil && fi.Mode().IsRegular() {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		l := f.log()
		l.Debug().Str("source", ref.Raw).Str("path", dst).Msg("model cache hit")
		return Result{Path: dst, Size: fi.Size(), Cached: true}, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	// Concurrent loads of one URL share a single download. Only the caller
	// that started it observes byte progress. A caller that gives up leaves
	// the download running for the others.
	for {
		fl, owner := f.join(ctx, dst, progress)
		ch := f.group.DoChan(dst, func() (any, error) {
			n, err := f.download(fl.ctx, ref.Location, dst, fl.report)
			if err != nil {
				return nil, err
			}
			return Result{Path: dst, Size: n, Cached: true}, nil
		})
		select {
		case <-ctx.Done():
			f.leave(dst, fl, owner)
			return Result{}, ctx.Err()
		case r := <-ch:
			f.leave(dst, fl, owner)
			if r.Err != nil {
				// The flight joined was abandoned by all of its callers
				// before this one arrived; start a fresh one.
				if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return Result{}, r.Err
			}
			if r.Shared {
				l := f.log()
				l.Debug().Str("source", ref.Raw).Msg("joined in-flight download")
			}
			return r.Val.(Result), nil
		}
	}
}

// join registers the caller with the flight for dst, creating it when none
// is running. The creator owns progress reporting.
func (f *Fetcher) join(ctx context.Context, dst string, progress ProgressFunc) (*flight, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flights == nil {
		f.flights = make(map[string]*flight)
	}
	if fl, ok := f.flights[dst]; ok {
		fl.waiters++
		return fl, false
	}
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fl := &flight{ctx: dctx, cancel: cancel, waiters: 1, progress: progress}
	f.flights[dst] = fl
	return fl, true
}

func (f *Fetcher) leave(dst string, fl *flight, owner bool) {
	if owner {
		fl.pmu.Lock()
		fl.progress = nil
		fl.pmu.Unlock()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fl.waiters--
	if fl.waiters == 0 {
		fl.cancel()
		if f.flights[dst] == fl {
			delete(f.flights, dst)
		}
	}
}

func (f *Fetcher) download(ctx context.Context, url, dst string, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{URL: url, Code: resp.StatusCode}
	}

	var total uint64
	if resp.ContentLength > 0 {
		total = uint64(resp.ContentLength)
	}
	l := f.log()
	l.Info().Str("url", url).Uint64("bytes", total).Msg("downloading model")
	pr := &progressReader{r: resp.Body, total: total, fn: progress, lastPct: -1}
	body := io.Reader(pr)
	if resp.ContentLength > 0 {
		body = &exactReader{r: pr, want: resp.ContentLength}
	}
	n, err := fsutil.WriteAtomic(dst, body)
	metrics.DownloadBytes.Add(float64(n))
	return n, err
}

// progressReader reports at most once per whole percent, or every
// unknownTotalStep bytes when the total is unknown.
type progressReader struct {
	r        io.Reader
	fn       ProgressFunc
	loaded   uint64
	total    uint64
	lastPct  int
	lastStep uint64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += uint64(n)
		p.report()
	}
	return n, err
}

func (p *progressReader) report() {
	if p.fn == nil {
		return
	}
	if p.total == 0 {
		if step := p.loaded / unknownTotalStep; step != p.lastStep {
			p.lastStep = step
			p.fn(p.loaded, 0)
		}
		return
	}
	pct := int(min(p.loaded, p.total) * 100 / p.total)
	if pct != p.lastPct {
		p.lastPct = pct
		p.fn(p.loaded, p.total)
	}
}

// exactReader fails with ErrShortBody when the stream ends early.
type exactReader struct {
	r    io.Reader
	want int64
	got  int64
}

func (e *exactReader) Read(b []byte) (int, error) {
	n, err := e.r.Read(b)
	e.got += int64(n)
	if errors.Is(err, io.EOF) && e.got < e.want {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, e.got, e.want)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, e.got, e.want)
	}
	return n, err
}

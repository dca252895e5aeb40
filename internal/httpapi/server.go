package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bitnet/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	Chat(ctx context.Context, req types.ChatRequest, w io.Writer, flush func()) error
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(inflightMiddleware)
		// Compression for JSON endpoints
		r.With(middleware.Compress(5)).Get("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			}
		})
		r.Post("/chat", chatHandler(svc))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(svc.Status().State))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func chatHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			// Oversized bodies also land here; report 400 without size details
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "messages are required")
			return
		}

		lvl := requestLogLevel(r)
		lg := zlog.With().Str("path", r.URL.Path).Logger()
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			lg = lg.With().Str("request_id", rid).Logger()
		}
		start := time.Now()
		if lvl >= LevelInfo {
			lg.Info().Int("messages", len(req.Messages)).Msg("chat start")
		}

		sw := &streamWriter{w: w}
		writer := io.Writer(sw)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(sw, &loggingLineWriter{log: lg})
		}
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}

		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if chatTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, chatTimeout)
			defer tcancel()
		}

		err := svc.Chat(ctx, req, writer, flush)
		if err == nil {
			if lvl >= LevelInfo {
				lg.Info().Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("chat end")
			}
			return
		}
		// Client went away or server is shutting down; nobody to tell.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		status := statusFor(err)
		if status == http.StatusTooManyRequests {
			IncrementBackpressure("queue")
		}
		if lvl >= LevelError {
			logEnd(lg, status, start, err)
		}
		if sw.started {
			// Headers are gone; report in-band as a final NDJSON line.
			b, _ := json.Marshal(types.ErrorResponse{Error: err.Error(), Code: status})
			_, _ = w.Write(append(b, '\n'))
			return
		}
		writeJSONError(w, status, err.Error())
	}
}

func logEnd(lg zerolog.Logger, status int, start time.Time, err error) {
	ev := lg.Info()
	if status >= http.StatusInternalServerError {
		ev = lg.Error()
	}
	ev.Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("chat end")
}

// streamWriter sets the NDJSON content type on first write so error
// responses issued before any token keep their JSON content type.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "application/x-ndjson")
	}
	return s.w.Write(p)
}

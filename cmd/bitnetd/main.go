// Command bitnetd serves chat over HTTP for one model.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bitnet/internal/config"
	"bitnet/internal/httpapi"
	"bitnet/internal/manager"
	"bitnet/pkg/bitnet"
	"bitnet/pkg/engine"
)

const defaultAddr = ":8080"

// backend overrides the engine; nil selects llama.cpp.
var backend engine.Backend

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	var (
		configPath string
		flags      config.Config
		cors       string
		maxWait    time.Duration
	)
	root := &cobra.Command{
		Use:           "bitnetd [flags] [model-path-or-url]",
		Short:         "Serve chat over HTTP for one model",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var file *config.Config
			if configPath != "" {
				c, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("config: %w", err)
				}
				file = &c
			}
			if len(args) == 1 {
				flags.Source = args[0]
			}
			if cmd.Flags().Changed("cors-origins") {
				flags.CORSOrigins = splitCSV(cors)
			}
			if cmd.Flags().Changed("max-wait") {
				flags.MaxWaitSeconds = int(maxWait / time.Second)
			}
			cfg := mergeConfig(file, os.Getenv, flags)
			if cfg.Source == "" {
				return errors.New("no model source: pass it as an argument, --source, BITNET_SOURCE or in the config file")
			}
			lg, err := newLogger(cfg.LogLevel, stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, lg, nil)
		},
	}
	f := root.Flags()
	f.StringVar(&configPath, "config", "", "Config file (.yaml, .json or .toml)")
	f.StringVar(&flags.Addr, "addr", "", "HTTP listen address (default "+defaultAddr+")")
	f.StringVar(&flags.Source, "source", "", "Model path, URL or ollama:// reference")
	f.StringVar(&flags.CacheDir, "cache-dir", "", "Directory for downloaded models")
	f.StringVar(&flags.LogLevel, "log-level", "", "Log level: trace|debug|info|warn|error (default info)")
	f.StringVar(&flags.SystemPrompt, "system", "", "System prompt prepended to conversations")
	f.IntVar(&flags.ContextSize, "context-size", 0, "Context window in tokens (default 4096)")
	f.IntVar(&flags.Threads, "threads", 0, "Decoding threads (default: one per CPU)")
	f.IntVar(&flags.MaxQueueDepth, "max-queue-depth", 0, "Queued chats before 429 (default 32)")
	f.DurationVar(&maxWait, "max-wait", 0, "Longest a chat waits for its turn (default 30s)")
	f.StringVar(&cors, "cors-origins", "", "Comma-separated allowed CORS origins; empty disables CORS")
	return root
}

// mergeConfig layers file values, then environment, then explicitly set
// flags. Zero-valued flag fields leave the lower layers untouched.
func mergeConfig(file *config.Config, getenv func(string) string, flags config.Config) config.Config {
	var cfg config.Config
	if file != nil {
		cfg = *file
	}
	cfg.ApplyEnv(getenv)
	setString(&cfg.Addr, flags.Addr)
	setString(&cfg.Source, flags.Source)
	setString(&cfg.CacheDir, flags.CacheDir)
	setString(&cfg.LogLevel, flags.LogLevel)
	setString(&cfg.SystemPrompt, flags.SystemPrompt)
	setInt(&cfg.ContextSize, flags.ContextSize)
	setInt(&cfg.Threads, flags.Threads)
	setInt(&cfg.MaxQueueDepth, flags.MaxQueueDepth)
	setInt(&cfg.MaxWaitSeconds, flags.MaxWaitSeconds)
	if len(flags.CORSOrigins) > 0 {
		cfg.CORSOrigins = flags.CORSOrigins
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func newLogger(level string, w io.Writer) (zerolog.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger(), nil
}

// managerConfig translates the file/flag config into manager settings.
func managerConfig(cfg config.Config) manager.ManagerConfig {
	load := bitnet.DefaultLoadOptions()
	if cfg.CacheDir != "" {
		load.CacheDir = cfg.CacheDir
	}
	if cfg.ContextSize > 0 {
		load.ContextSize = cfg.ContextSize
	}
	if cfg.GPULayers != nil {
		load.GPULayers = *cfg.GPULayers
	}
	load.Threads = cfg.Threads
	load.Backend = backend

	gen := bitnet.DefaultGenerateOptions()
	if cfg.MaxTokens > 0 {
		gen.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		gen.Temperature = cfg.Temperature
	}
	if cfg.TopK > 0 {
		gen.TopK = cfg.TopK
	}
	if cfg.TopP > 0 {
		gen.TopP = cfg.TopP
	}
	if cfg.RepeatPenalty > 0 {
		gen.RepeatPenalty = cfg.RepeatPenalty
	}
	if cfg.RepeatLastN > 0 {
		gen.RepeatLastN = cfg.RepeatLastN
	}
	gen.Seed = cfg.Seed
	gen.Threads = cfg.Threads
	gen.Stop = cfg.Stop

	return manager.ManagerConfig{
		Source:        cfg.Source,
		Load:          load,
		Generate:      gen,
		SystemPrompt:  cfg.SystemPrompt,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.MaxWaitSeconds) * time.Second,
	}
}

// serve runs the daemon until ctx is done. When ready is non-nil it receives
// the bound listener address once the server accepts connections.
func serve(ctx context.Context, cfg config.Config, lg zerolog.Logger, ready chan<- string) error {
	bitnet.SetLogger(lg)
	httpapi.SetLogger(lg)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)

	mgr := manager.NewWithConfig(managerConfig(cfg))
	mgr.SetEventPublisher(logPublisher{log: lg})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: httpapi.NewMux(mgr), ReadHeaderTimeout: 10 * time.Second}

	// Load in the background so /status can report progress.
	mgr.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", ln.Addr().String()).Str("source", cfg.Source).Msg("bitnetd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		_ = mgr.Close()
		return err
	case <-ctx.Done():
	}
	lg.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("graceful shutdown error")
	}
	if err := mgr.Close(); err != nil {
		lg.Error().Err(err).Msg("model release failed")
	}
	return nil
}

// logPublisher turns manager lifecycle events into log lines.
type logPublisher struct{ log zerolog.Logger }

func (p logPublisher) Publish(e manager.Event) {
	ev := p.log.Debug()
	switch e.Name {
	case "load_ready", "drain_done":
		ev = p.log.Info()
	case "load_error", "drain_timeout":
		ev = p.log.Error()
	}
	ev.Fields(e.Fields).Msg(e.Name)
}

// splitCSV splits a comma-separated list, trimming blanks and dropping empty
// entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

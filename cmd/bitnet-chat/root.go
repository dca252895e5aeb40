package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bitnet/internal/config"
	"bitnet/internal/llamacpp"
	"bitnet/pkg/bitnet"
	"bitnet/pkg/engine"
	"bitnet/pkg/ffi"
)

// backend overrides the engine; nil selects llama.cpp.
var backend engine.Backend

var phaseNames = [...]string{"Download", "Parse", "Upload"}

type options struct {
	configPath string
	cfg        config.Config
}

// run executes the command and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := newRootCmd(stdout, stderr, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "bitnet-chat [flags] <model-path-or-url> <prompt>",
		Short: "Load a model and stream a chat reply",
		Example: "  bitnet-chat model.gguf \"Hello, how are you?\"\n" +
			"  bitnet-chat --max-tokens 64 https://example.com/m.gguf \"Write a haiku\"",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: %s", cmd.UseLine())
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return o.resolve(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := chat(o.cfg, args[0], args[1], stdout, stderr)
			if err != nil {
				return err
			}
			*code = int(rc)
			return nil
		},
	}

	f := root.Flags()
	f.StringVar(&o.configPath, "config", "", "Config file (.yaml, .json or .toml)")
	f.String("cache-dir", "", "Directory for downloaded models (default: user cache dir)")
	f.String("system", "", "System prompt prepended to the conversation")
	f.Int("max-tokens", 0, "Maximum tokens to generate (default 256)")
	f.Float32("temperature", 0, "Sampling temperature (default 1.0)")
	f.Int("top-k", 0, "Top-K sampling (default 50)")
	f.Float32("repeat-penalty", 0, "Repetition penalty (default 1.1)")
	f.Int("repeat-last-n", 0, "Repetition penalty window (default 64)")
	f.Int("threads", 0, "Decoding threads (default: one per CPU)")
	f.String("log-level", "", "Log level: trace|debug|info|warn|error (default warn)")
	return root
}

// resolve merges defaults, the config file, environment and flags, in
// increasing precedence.
func (o *options) resolve(cmd *cobra.Command) error {
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		o.cfg = cfg
	}
	o.cfg.ApplyEnv(os.Getenv)

	f := cmd.Flags()
	var errs []error
	if f.Changed("cache-dir") {
		o.cfg.CacheDir, _ = f.GetString("cache-dir")
	}
	if f.Changed("system") {
		o.cfg.SystemPrompt, _ = f.GetString("system")
	}
	if f.Changed("max-tokens") {
		o.cfg.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("temperature") {
		o.cfg.Temperature, _ = f.GetFloat32("temperature")
	}
	if f.Changed("top-k") {
		o.cfg.TopK, _ = f.GetInt("top-k")
	}
	if f.Changed("repeat-penalty") {
		o.cfg.RepeatPenalty, _ = f.GetFloat32("repeat-penalty")
	}
	if f.Changed("repeat-last-n") {
		o.cfg.RepeatLastN, _ = f.GetInt("repeat-last-n")
	}
	if f.Changed("threads") {
		o.cfg.Threads, _ = f.GetInt("threads")
	}
	if f.Changed("log-level") {
		o.cfg.LogLevel, _ = f.GetString("log-level")
	}
	for name, v := range map[string]int{"max-tokens": o.cfg.MaxTokens, "top-k": o.cfg.TopK, "repeat-last-n": o.cfg.RepeatLastN, "threads": o.cfg.Threads} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("--%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

func newLogger(level string, w io.Writer) (zerolog.Logger, error) {
	if level == "" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(lvl).With().Timestamp().Logger(), nil
}

func onProgress(p ffi.LoadProgress, userData any) {
	w := userData.(io.Writer)
	phase := "?"
	if p.Phase >= 0 && int(p.Phase) < len(phaseNames) {
		phase = phaseNames[p.Phase]
	}
	fmt.Fprintf(w, "\r[%s] %.1f%%", phase, p.Fraction*100)
	if p.Fraction >= 1 {
		fmt.Fprintln(w)
	}
}

func onToken(text string, length int, userData any) int32 {
	if _, err := io.WriteString(userData.(io.Writer), text[:length]); err != nil {
		return 1
	}
	return 0
}

// chat loads source, runs one turn with prompt and frees the model. A load
// failure is returned as an error; otherwise the chat status is returned.
func chat(cfg config.Config, source, prompt string, stdout, stderr io.Writer) (int32, error) {
	lg, err := newLogger(cfg.LogLevel, stderr)
	if err != nil {
		return 0, err
	}
	bitnet.SetLogger(lg)

	lo := ffi.DefaultLoadOptions()
	lo.OnProgress = onProgress
	lo.UserData = stderr
	lo.CacheDir = cfg.CacheDir
	lo.Backend = backend
	if lo.Backend == nil && cfg.Threads > 0 {
		lo.Backend = llamacpp.New(cfg.Threads)
	}

	fmt.Fprintf(stderr, "Loading %s ...\n", source)
	h := ffi.Load(source, &lo)
	if h == 0 {
		return 0, errors.New(ffi.LastErrorMessage())
	}
	defer ffi.Free(h)
	fmt.Fprintln(stderr, "Model loaded.")

	var msgs []ffi.ChatMessage
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, ffi.ChatMessage{Role: bitnet.RoleSystem, Content: cfg.SystemPrompt})
	}
	msgs = append(msgs, ffi.ChatMessage{Role: bitnet.RoleUser, Content: prompt})

	rc := ffi.Chat(h, msgs, generateOptions(cfg), onToken, stdout)
	fmt.Fprintln(stdout)
	if rc != ffi.StatusOK {
		fmt.Fprintf(stderr, "Generate error: %s\n", ffi.LastErrorMessage())
	}
	return rc, nil
}

func generateOptions(cfg config.Config) *ffi.GenerateOptions {
	g := ffi.DefaultGenerateOptions()
	if cfg.MaxTokens > 0 {
		g.MaxTokens = uint(cfg.MaxTokens)
	}
	if cfg.Temperature > 0 {
		g.Temperature = cfg.Temperature
	}
	if cfg.TopK > 0 {
		g.TopK = uint(cfg.TopK)
	}
	if cfg.RepeatPenalty > 0 {
		g.RepeatPenalty = cfg.RepeatPenalty
	}
	if cfg.RepeatLastN > 0 {
		g.RepeatLastN = uint(cfg.RepeatLastN)
	}
	return &g
}

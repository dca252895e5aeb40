package types

// ChatMessage is one conversational turn.
type ChatMessage struct {
	// Speaker role: system, user or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// Turn text.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	// Conversation in chronological order. Must not be empty.
	Messages []ChatMessage `json:"messages"`
	// Maximum number of new tokens to generate; 0 uses the server default.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// Repetition penalty.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Window the repetition penalty looks back over.
	// example: 64
	RepeatLastN int `json:"repeat_last_n,omitempty" example:"64"`
	// Random seed for reproducibility; 0 or omitted lets the engine choose.
	// example: 42
	Seed int `json:"seed,omitempty" example:"42"`
	// Optional extra stop sequences.
	Stop []string `json:"stop,omitempty"`
}

// TokenLine is one streamed NDJSON token line.
type TokenLine struct {
	Token string `json:"token"`
}

// DoneLine is the final NDJSON line of a chat stream.
type DoneLine struct {
	Done bool `json:"done"`
	// Full generated text.
	Content string `json:"content"`
	// stop, length or cancelled.
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	// Number of tokens delivered.
	// example: 42
	Tokens int `json:"tokens" example:"42"`
	// Correlation id of the run.
	ChatID string `json:"chat_id,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// LoadProgress is the latest load progress report.
type LoadProgress struct {
	// Download, Parse or Upload.
	// example: Download
	Phase string `json:"phase" example:"Download"`
	// Fraction of the phase completed, in [0, 1].
	// example: 0.42
	Fraction float64 `json:"fraction" example:"0.42"`
	Loaded   uint64  `json:"loaded,omitempty"`
	Total    uint64  `json:"total,omitempty"`
}

// ModelInfo describes the served model.
type ModelInfo struct {
	Source       string `json:"source"`
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	Architecture string `json:"architecture,omitempty"`
	Name         string `json:"name,omitempty"`
	Tensors      int    `json:"tensors"`
	// Chat template in use: chatml, llama3 or plain.
	// example: chatml
	Template string `json:"template" example:"chatml"`
	Backend  string `json:"backend"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state: loading, ready, error or draining.
	// example: ready
	State string `json:"state" example:"ready"`
	// Optional top-level error message.
	Error string `json:"error,omitempty"`
	// Present while loading.
	Progress *LoadProgress `json:"progress,omitempty"`
	// Present once loaded.
	Model *ModelInfo `json:"model,omitempty"`
	// Current queue length for incoming requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight requests currently being processed.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

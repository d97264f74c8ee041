package types

// InferHTTPRequest is the wire shape of a POST /infer or /infer_stream body.
type InferHTTPRequest struct {
	// Model name to route the request to. Required.
	// example: gpt2
	Model string `json:"model" example:"gpt2"`
	// Prompt text to complete. Required (may be empty if the model accepts it).
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of tokens to generate.
	// example: 100
	MaxTokens int `json:"max_tokens,omitempty" example:"100"`
	// Sampling temperature, must be >= 0. A pointer so an explicit
	// "temperature": 0 can be told apart from an omitted field, which
	// defaults to 1.0.
	// example: 1.0
	Temperature *float64 `json:"temperature,omitempty" example:"1.0"`
	// One of HIGH, NORMAL, LOW. Defaults to NORMAL.
	// example: NORMAL
	Priority string `json:"priority,omitempty" example:"NORMAL"`
	// Caller-supplied identifier, used as the rate-limiting key (the peer
	// address is used when it is empty).
	// example: user-42
	ClientID string `json:"client_id,omitempty" example:"user-42"`
	// Per-request wall-clock timeout in seconds.
	// example: 30
	TimeoutS float64 `json:"timeout_s,omitempty" example:"30"`
	// Opaque metadata bag, copied onto the internal request and not
	// interpreted by the server.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TokenHTTP is the wire shape of one produced token, used both inside the
// non-streaming response and as a single NDJSON line in the streaming body.
type TokenHTTP struct {
	Token   string   `json:"token"`
	TokenID int      `json:"token_id"`
	LogProb *float64 `json:"logprob,omitempty"`
	End     bool     `json:"end,omitempty"`
}

// InferHTTPResponse is the body of a non-streaming /infer response. Error
// carries the stream's close message whenever there is one (for example an
// inference error or a request timeout); the HTTP status is 500 rather than
// 200 only when CompletionReason is "error".
type InferHTTPResponse struct {
	RequestID        string      `json:"request_id"`
	Tokens           []TokenHTTP `json:"tokens"`
	CompletionReason string      `json:"completion_reason"`
	Error            string      `json:"error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload across all endpoints.
type ErrorResponse struct {
	Error string `json:"error" example:"model is required"`
	Code  int    `json:"code" example:"400"`
}

// ModelsResponse is the body of GET /models.
type ModelsResponse struct {
	Models []ModelSummary `json:"models"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Streams     int    `json:"streams"`
	Draining    bool   `json:"draining"`
}

// MetricsSnapshot is the per-model aggregate exposed by GET /metrics.
type MetricsSnapshot struct {
	Model          string  `json:"model"`
	Count          int     `json:"count"`
	ErrorCount     int     `json:"error_count"`
	ErrorRate      float64 `json:"error_rate"`
	MeanLatencyMs  float64 `json:"mean_latency_ms"`
	P50Ms          float64 `json:"p50_ms"`
	P95Ms          float64 `json:"p95_ms"`
	P99Ms          float64 `json:"p99_ms"`
	TotalTokens    int64   `json:"total_tokens"`
	TokensPerSec   float64 `json:"tokens_per_sec"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Models []MetricsSnapshot `json:"models"`
}

// StatusResponse is the composite debug view returned by GET /status.
type StatusResponse struct {
	Draining     bool              `json:"draining"`
	Connections  int               `json:"connections"`
	Streams      int               `json:"streams"`
	Models       []ModelSummary    `json:"models"`
	Counters     map[string]ModelCounters `json:"counters"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Sanity       SanityReport      `json:"sanity"`
}

// SanityReport describes whether the configured model backend is reachable.
type SanityReport struct {
	BackendReady bool   `json:"backend_ready"`
	Detail       string `json:"detail,omitempty"`
}

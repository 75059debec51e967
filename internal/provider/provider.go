package provider

import "context"

// Finish reasons reported on the terminal chunk of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishError     = "error"
	FinishCancelled = "cancelled"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one element of a streaming response. Delta carries an incremental
// text fragment; the terminal chunk carries FinishReason and, when the
// backend reports it, Usage. Chunks arrive in strict order and the sequence
// is finite and not restartable.
type Chunk struct {
	Delta        string
	Model        string
	FinishReason string
	Usage        *Usage
}

type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

type HealthStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Provider is the uniform adapter over heterogeneous LLM backends.
// ChatStream returns immediately with two channels; both are closed when the
// stream ends. At most one error is delivered on the error channel.
type Provider interface {
	ID() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	HealthCheck(ctx context.Context) HealthStatus
	Chat(ctx context.Context, req ChatRequest) (string, *Usage, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan Chunk, <-chan error)
}

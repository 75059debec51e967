package sse

import (
	"time"

	"github.com/omnichat/omnichat/internal/provider"
)

const (
	TypeMeta  = "meta"
	TypeDelta = "delta"
	TypeFinal = "final"
	TypeError = "error"
	TypePing  = "ping"
)

// Frame is the wire object carried in one `data:` line. Type discriminates
// which of the optional fields are populated.
type Frame struct {
	Type string `json:"type"`

	// meta
	StreamID       string     `json:"stream_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Provider       string     `json:"provider_id,omitempty"`
	Model          string     `json:"model,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`

	// delta
	Content string `json:"content,omitempty"`

	// final
	MessageID    string          `json:"message_id,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	ElapsedMS    int64           `json:"elapsed_ms,omitempty"`

	// error
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// ping
	TS int64 `json:"ts,omitempty"`
}

func Meta(streamID, conversationID, providerID, model, requestID string, startedAt time.Time) Frame {
	return Frame{
		Type:           TypeMeta,
		StreamID:       streamID,
		ConversationID: conversationID,
		Provider:       providerID,
		Model:          model,
		RequestID:      requestID,
		StartedAt:      &startedAt,
	}
}

func Delta(content string) Frame {
	return Frame{Type: TypeDelta, Content: content}
}

func Final(messageID, finishReason string, usage *provider.Usage, elapsedMS int64) Frame {
	return Frame{
		Type:         TypeFinal,
		MessageID:    messageID,
		FinishReason: finishReason,
		Usage:        usage,
		ElapsedMS:    elapsedMS,
	}
}

func Error(code, message string, retryable bool) Frame {
	return Frame{Type: TypeError, Code: code, Message: message, Retryable: retryable}
}

func Ping() Frame {
	return Frame{Type: TypePing, TS: time.Now().Unix()}
}

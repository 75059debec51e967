package chat

import (
	"time"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/provider"
)

// State labels one phase of a stream's lifecycle; transitions are logged and
// audited.
type State string

const (
	StatePending    State = "pending"
	StateValidating State = "validating"
	StateRegistered State = "registered"
	StateGenerating State = "generating"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

type EventType string

const (
	EventMeta  EventType = "meta"
	EventDelta EventType = "delta"
	EventFinal EventType = "final"
	EventError EventType = "error"
)

type MetaEvent struct {
	StreamID       string    `json:"stream_id"`
	ConversationID string    `json:"conversation_id"`
	Provider       string    `json:"provider_id"`
	Model          string    `json:"model"`
	RequestID      string    `json:"request_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

type FinalEvent struct {
	MessageID    string          `json:"message_id"`
	FinishReason string          `json:"finish_reason"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	ElapsedMS    int64           `json:"elapsed_ms"`
}

// Event is what the orchestrator hands to the transport. The transport pulls
// events one at a time, which gives the producer natural backpressure.
type Event struct {
	Type  EventType
	Meta  *MetaEvent
	Delta string
	Final *FinalEvent
	Err   *apperr.Error
}

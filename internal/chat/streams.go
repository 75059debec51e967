package chat

import (
	"context"
	"sync"
	"time"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/metrics"
)

// ActiveStream is the transient record of one in-flight generation turn.
// Never persisted.
type ActiveStream struct {
	StreamID       string
	UserID         uint64
	ConversationID string
	StartedAt      time.Time
	cancel         context.CancelFunc
}

// StreamRegistry tracks in-flight streams and is the sole authority both for
// "is this conversation currently generating" and for authorizing
// cancellation. At most one stream may exist per conversation; a second
// registration is rejected synchronously, never queued.
type StreamRegistry struct {
	mu             sync.Mutex
	byStream       map[string]*ActiveStream
	byConversation map[string]string
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		byStream:       make(map[string]*ActiveStream),
		byConversation: make(map[string]string),
	}
}

// Register claims the conversation for a new stream and returns the stream id
// plus a context derived from parent that Cancel will abort.
func (r *StreamRegistry) Register(parent context.Context, conversationID string, userID uint64) (string, context.Context, error) {
	streamID, err := common.NewULID()
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	if _, busy := r.byConversation[conversationID]; busy {
		r.mu.Unlock()
		cancel()
		return "", nil, apperr.StreamConflict()
	}
	r.byStream[streamID] = &ActiveStream{
		StreamID:       streamID,
		UserID:         userID,
		ConversationID: conversationID,
		StartedAt:      time.Now(),
		cancel:         cancel,
	}
	r.byConversation[conversationID] = streamID
	n := len(r.byStream)
	r.mu.Unlock()

	metrics.ActiveStreams.Set(float64(n))
	return streamID, ctx, nil
}

// Cancel signals the stream's context. Only the owning user may cancel
// unless force is set (admin path). Cancellation is cooperative: the
// orchestrator observes the signal at the next chunk boundary.
func (r *StreamRegistry) Cancel(streamID string, userID uint64, force bool) error {
	r.mu.Lock()
	s, ok := r.byStream[streamID]
	r.mu.Unlock()

	if !ok {
		return apperr.StreamNotFound()
	}
	if !force && s.UserID != userID {
		return apperr.Forbidden("stream belongs to another user")
	}
	s.cancel()
	return nil
}

// Deregister removes the stream and frees its conversation. Idempotent.
func (r *StreamRegistry) Deregister(streamID string) *ActiveStream {
	r.mu.Lock()
	s, ok := r.byStream[streamID]
	if ok {
		delete(r.byStream, streamID)
		if cur, exists := r.byConversation[s.ConversationID]; exists && cur == streamID {
			delete(r.byConversation, s.ConversationID)
		}
		s.cancel()
	}
	n := len(r.byStream)
	r.mu.Unlock()

	metrics.ActiveStreams.Set(float64(n))
	if !ok {
		return nil
	}
	return s
}

// Get returns a copy of the stream record, or nil.
func (r *StreamRegistry) Get(streamID string) *ActiveStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byStream[streamID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Active reports whether the conversation currently has a stream.
func (r *StreamRegistry) Active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConversation[conversationID]
	return ok
}

// All returns copies of every in-flight stream record.
func (r *StreamRegistry) All() []ActiveStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveStream, 0, len(r.byStream))
	for _, s := range r.byStream {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of in-flight streams.
func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byStream)
}

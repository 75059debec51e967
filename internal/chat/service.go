package chat

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/logging"
	"github.com/omnichat/omnichat/internal/metrics"
	"github.com/omnichat/omnichat/internal/provider"
	"github.com/omnichat/omnichat/internal/quota"
)

const defaultTitle = "New Chat"

// Service orchestrates the chat stream lifecycle: validation, quota, stream
// registration, provider relay, persistence and accounting.
type Service struct {
	repo              *Repo
	providers         *provider.Registry
	streams           *StreamRegistry
	quota             *quota.Tracker
	audit             *audit.Recorder
	contextWindowSize int
	maxRetries        int
}

func NewService(repo *Repo, providers *provider.Registry, streams *StreamRegistry, tracker *quota.Tracker, recorder *audit.Recorder, contextWindowSize, maxRetries int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	if maxRetries < 0 {
		maxRetries = 2
	}
	return &Service{
		repo:              repo,
		providers:         providers,
		streams:           streams,
		quota:             tracker,
		audit:             recorder,
		contextWindowSize: contextWindowSize,
		maxRetries:        maxRetries,
	}
}

func (s *Service) Streams() *StreamRegistry { return s.streams }

func (s *Service) CreateConversation(ctx context.Context, userID uint64, title, systemPrompt string) (*Conversation, error) {
	if title == "" {
		title = defaultTitle
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	c := &Conversation{
		ID:           id,
		UserID:       userID,
		Title:        title,
		SystemPrompt: systemPrompt,
	}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetConversation(ctx context.Context, userID uint64, conversationID string) (*Conversation, error) {
	return s.repo.GetOwnedConversation(ctx, userID, conversationID)
}

func (s *Service) ListConversations(ctx context.Context, userID uint64, limit int) ([]Conversation, error) {
	return s.repo.ListConversations(ctx, userID, limit)
}

func (s *Service) RenameConversation(ctx context.Context, userID uint64, conversationID, title string) (*Conversation, error) {
	if title == "" {
		return nil, apperr.Validation("title required")
	}
	return s.repo.RenameConversation(ctx, userID, conversationID, title)
}

func (s *Service) DeleteConversation(ctx context.Context, userID uint64, conversationID string) error {
	return s.repo.DeleteConversation(ctx, userID, conversationID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, conversationID string, limit int) ([]Message, error) {
	if _, err := s.repo.GetOwnedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID, limit)
}

// StreamRequest carries everything needed to start one generation turn.
type StreamRequest struct {
	UserID         uint64
	UserDisabled   bool
	ConversationID string
	ProviderID     string
	Model          string
	Input          string
	RequestID      string

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string

	// set by RetryLastTurn: the user message already exists.
	skipUserInsert bool
}

// StreamChat validates and registers a stream synchronously, then relays
// provider output on the returned event channel. Synchronous failures
// (quota, conflict, ownership) are returned as errors so the handler can
// answer with a proper status before any SSE bytes are written. Once the
// channel is returned, all failures surface as error events on it.
//
// Per stream: Pending -> Validating -> Registered -> Generating ->
// {Finalizing -> Completed} | Cancelled | Failed.
func (s *Service) StreamChat(ctx context.Context, req StreamRequest) (<-chan Event, error) {
	log := logging.GetLogger()

	// Validating.
	if req.UserDisabled {
		return nil, apperr.AccountDisabled()
	}
	if req.Input == "" && !req.skipUserInsert {
		return nil, apperr.Validation("input required")
	}
	conv, err := s.repo.GetOwnedConversation(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	prov, err := s.providers.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, apperr.Validation("model required")
	}

	if err := s.quota.CheckAndReserve(ctx, req.UserID); err != nil {
		s.record(ctx, req, "stream.quota_blocked", "conversation", req.ConversationID, nil)
		return nil, err
	}

	// Registered. The stream context is cancelled by the registry, by the
	// client disconnecting, or by Deregister.
	streamID, streamCtx, err := s.streams.Register(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}

	cleanupOnErr := func() { s.streams.Deregister(streamID) }

	if !req.skipUserInsert {
		msgID, err := common.NewULID()
		if err != nil {
			cleanupOnErr()
			return nil, err
		}
		userMsg := &Message{
			ID:             msgID,
			ConversationID: req.ConversationID,
			Role:           RoleUser,
			Content:        req.Input,
		}
		if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
			cleanupOnErr()
			return nil, err
		}
	}

	history, err := s.buildProviderContext(ctx, conv)
	if err != nil {
		cleanupOnErr()
		return nil, err
	}

	assistantID, err := common.NewULID()
	if err != nil {
		cleanupOnErr()
		return nil, err
	}
	assistant := &Message{
		ID:             assistantID,
		ConversationID: req.ConversationID,
		Role:           RoleAssistant,
		Content:        "",
		Provider:       prov.ID(),
		Model:          req.Model,
	}
	if err := s.repo.InsertMessage(ctx, assistant); err != nil {
		cleanupOnErr()
		return nil, err
	}

	startedAt := time.Now()
	s.record(ctx, req, "stream.started", "stream", streamID, map[string]any{
		"conversation_id": req.ConversationID,
		"provider":        prov.ID(),
		"model":           req.Model,
	})
	log.Info().
		Str("request_id", req.RequestID).
		Uint64("user_id", req.UserID).
		Str("stream_id", streamID).
		Str("provider", prov.ID()).
		Msg("stream registered")

	events := make(chan Event)
	go s.generate(streamCtx, generation{
		req:       req,
		prov:      prov,
		history:   history,
		streamID:  streamID,
		assistant: assistant,
		startedAt: startedAt,
		events:    events,
	})
	return events, nil
}

// CancelStream asks the registry to abort a stream. force bypasses the
// ownership check for the admin surface.
func (s *Service) CancelStream(ctx context.Context, streamID string, userID uint64, force bool) error {
	if err := s.streams.Cancel(streamID, userID, force); err != nil {
		return err
	}
	s.audit.Record(ctx, &userID, "stream.cancel_requested", "stream", streamID, "", nil)
	return nil
}

// RetryLastTurn re-streams the most recent user turn reusing the provider
// and model recorded on the previous assistant reply. The user message is
// not duplicated.
func (s *Service) RetryLastTurn(ctx context.Context, userID uint64, userDisabled bool, conversationID, requestID string) (<-chan Event, error) {
	if _, err := s.repo.GetOwnedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	lastUser, err := s.repo.LastUserMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if lastUser == nil {
		return nil, apperr.Validation("no user message to retry")
	}
	prevAssistant, err := s.repo.LastAssistantMessageAfter(ctx, conversationID, lastUser.ID)
	if err != nil {
		return nil, err
	}
	if prevAssistant == nil || prevAssistant.Provider == "" || prevAssistant.Model == "" {
		return nil, apperr.Validation("cannot retry without previous assistant metadata")
	}

	return s.StreamChat(ctx, StreamRequest{
		UserID:         userID,
		UserDisabled:   userDisabled,
		ConversationID: conversationID,
		ProviderID:     prevAssistant.Provider,
		Model:          prevAssistant.Model,
		Input:          lastUser.Content,
		RequestID:      requestID,
		skipUserInsert: true,
	})
}

func (s *Service) buildProviderContext(ctx context.Context, conv *Conversation) ([]provider.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, conv.ID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}

	msgs := make([]provider.Message, 0, len(recentDesc)+1)
	if conv.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: RoleSystem, Content: conv.SystemPrompt})
	}
	// reverse to ASC (oldest -> newest)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

type generation struct {
	req       StreamRequest
	prov      provider.Provider
	history   []provider.Message
	streamID  string
	assistant *Message
	startedAt time.Time
	events    chan<- Event
}

// generate runs the Generating phase on its own goroutine. It is the only
// writer to g.events and closes the channel when the stream reaches a
// terminal state.
func (s *Service) generate(ctx context.Context, g generation) {
	log := logging.GetLogger()
	defer close(g.events)
	defer func() {
		s.streams.Deregister(g.streamID)
		metrics.StreamDuration.Observe(time.Since(g.startedAt).Seconds())
	}()

	meta := Event{Type: EventMeta, Meta: &MetaEvent{
		StreamID:       g.streamID,
		ConversationID: g.req.ConversationID,
		Provider:       g.prov.ID(),
		Model:          g.req.Model,
		RequestID:      g.req.RequestID,
		StartedAt:      g.startedAt,
	}}
	if !s.emit(ctx, g.events, meta) {
		s.finishCancelled(g, "", nil)
		return
	}

	chatReq := provider.ChatRequest{
		Model:       g.req.Model,
		Messages:    g.history,
		Temperature: g.req.Temperature,
		MaxTokens:   g.req.MaxTokens,
		TopP:        g.req.TopP,
		Stop:        g.req.Stop,
	}

	var (
		content      string
		usage        *provider.Usage
		finishReason string
		attempt      int
	)

	for {
		chunks, errs := g.prov.ChatStream(ctx, chatReq)
		streamErr := s.relay(ctx, g, chunks, errs, &content, &usage, &finishReason)

		if streamErr == nil {
			break
		}
		if errors.Is(streamErr, context.Canceled) || ctx.Err() != nil {
			s.finishCancelled(g, content, usage)
			return
		}
		// Retry only transient failures, and only while nothing has been
		// forwarded yet: after the first delta a retry would duplicate
		// output.
		if apperr.IsRetryable(streamErr) && content == "" && attempt < s.maxRetries {
			attempt++
			metrics.ProviderRetries.WithLabelValues(g.prov.ID()).Inc()
			log.Warn().
				Str("stream_id", g.streamID).
				Int("attempt", attempt).
				Err(streamErr).
				Msg("provider call failed, retrying")
			select {
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
				continue
			case <-ctx.Done():
				s.finishCancelled(g, content, usage)
				return
			}
		}
		s.finishFailed(ctx, g, content, streamErr)
		return
	}

	s.finishCompleted(ctx, g, content, usage, finishReason)
}

// relay pulls provider chunks and forwards deltas until the terminal chunk,
// an error, or cancellation. It mutates the accumulators in place so a
// cancelled stream keeps what was produced so far.
func (s *Service) relay(ctx context.Context, g generation, chunks <-chan provider.Chunk, errs <-chan error, content *string, usage **provider.Usage, finishReason *string) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case c, ok := <-chunks:
			if !ok {
				// Channel closed without a terminal chunk. Cancellation can
				// close the provider channels before our ctx case fires, so
				// check the context first, then a pending error, otherwise
				// treat it as a normal stop.
				if ctx.Err() != nil {
					return context.Canceled
				}
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						return err
					}
				default:
				}
				if *finishReason == "" {
					*finishReason = provider.FinishStop
				}
				return nil
			}
			if c.Usage != nil {
				*usage = c.Usage
			}
			if c.Model != "" {
				g.assistant.Model = c.Model
			}
			if c.Delta != "" {
				*content += c.Delta
				if !s.emit(ctx, g.events, Event{Type: EventDelta, Delta: c.Delta}) {
					return context.Canceled
				}
			}
			if c.FinishReason != "" {
				*finishReason = c.FinishReason
				return nil
			}
		}
	}
}

// emit delivers one event, honoring cancellation. Returns false when the
// stream context died before the consumer accepted the event.
func (s *Service) emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) finishCompleted(ctx context.Context, g generation, content string, usage *provider.Usage, finishReason string) {
	if finishReason == "" {
		finishReason = provider.FinishStop
	}
	elapsed := time.Since(g.startedAt).Milliseconds()
	s.finalize(g, content, usage, finishReason, elapsed)
	s.commitQuota(g, content, usage)

	metrics.StreamsTotal.WithLabelValues(string(StateCompleted)).Inc()
	s.record(context.Background(), g.req, "stream.completed", "stream", g.streamID, map[string]any{
		"finish_reason": finishReason,
		"elapsed_ms":    elapsed,
	})

	final := Event{Type: EventFinal, Final: &FinalEvent{
		MessageID:    g.assistant.ID,
		FinishReason: finishReason,
		Usage:        usage,
		ElapsedMS:    elapsed,
	}}
	s.emit(ctx, g.events, final)
}

// finishCancelled persists whatever was produced with finish_reason
// cancelled and commits only those tokens. The final frame is offered
// non-blocking: on an explicit cancel the consumer is still draining, on a
// disconnect nobody is.
func (s *Service) finishCancelled(g generation, content string, usage *provider.Usage) {
	elapsed := time.Since(g.startedAt).Milliseconds()
	s.finalize(g, content, usage, provider.FinishCancelled, elapsed)
	s.commitQuota(g, content, usage)

	metrics.StreamsTotal.WithLabelValues(string(StateCancelled)).Inc()
	s.record(context.Background(), g.req, "stream.cancelled", "stream", g.streamID, map[string]any{
		"partial_chars": utf8.RuneCountInString(content),
		"elapsed_ms":    elapsed,
	})

	select {
	case g.events <- Event{Type: EventFinal, Final: &FinalEvent{
		MessageID:    g.assistant.ID,
		FinishReason: provider.FinishCancelled,
		Usage:        usage,
		ElapsedMS:    elapsed,
	}}:
	case <-time.After(time.Second):
	}
}

// finishFailed emits one normalized error event. When nothing was produced
// the empty assistant stub is removed; otherwise the partial text is kept
// with finish_reason error.
func (s *Service) finishFailed(ctx context.Context, g generation, content string, cause error) {
	log := logging.GetLogger()
	e := apperr.Normalize(cause)
	if e.Code == apperr.CodeInternal {
		// Internal details stay server-side.
		e = apperr.Streaming("generation failed").WithCause(cause)
	}

	bg := context.Background()
	if content == "" {
		if err := s.repo.DeleteMessage(bg, g.assistant.ID); err != nil {
			log.Error().Err(err).Str("message_id", g.assistant.ID).Msg("failed to remove assistant stub")
		}
	} else {
		s.finalize(g, content, nil, provider.FinishError, time.Since(g.startedAt).Milliseconds())
		s.commitQuota(g, content, nil)
	}

	metrics.StreamsTotal.WithLabelValues(string(StateFailed)).Inc()
	s.record(bg, g.req, "stream.failed", "stream", g.streamID, map[string]any{
		"code": string(e.Code),
	})
	log.Warn().
		Str("stream_id", g.streamID).
		Str("code", string(e.Code)).
		Err(cause).
		Msg("stream failed")

	s.emit(ctx, g.events, Event{Type: EventError, Err: e})
}

// finalize writes the assistant message's terminal state. Uses a background
// context: the request context is typically already cancelled on this path.
func (s *Service) finalize(g generation, content string, usage *provider.Usage, finishReason string, elapsedMS int64) {
	log := logging.GetLogger()

	g.assistant.Content = content
	g.assistant.FinishReason = finishReason
	g.assistant.ElapsedMS = &elapsedMS
	if usage != nil {
		g.assistant.PromptTokens = &usage.PromptTokens
		g.assistant.CompletionTokens = &usage.CompletionTokens
		g.assistant.TotalTokens = &usage.TotalTokens
	}

	bg := context.Background()
	if err := s.repo.FinalizeAssistantMessage(bg, g.assistant); err != nil {
		log.Error().Err(err).Str("message_id", g.assistant.ID).Msg("failed to finalize assistant message")
	}
	if g.assistant.Model != "" {
		if err := s.repo.UpdateConversationModel(bg, g.req.ConversationID, g.assistant.Model); err != nil {
			log.Error().Err(err).Str("conversation_id", g.req.ConversationID).Msg("failed to update conversation model")
		}
	}
}

// commitQuota charges one message plus the tokens actually produced. When
// the provider reported no usage (typical for a cancelled stream) the token
// count is estimated from the produced text.
func (s *Service) commitQuota(g generation, content string, usage *provider.Usage) {
	log := logging.GetLogger()

	tokens := int64(0)
	if usage != nil && usage.TotalTokens > 0 {
		tokens = int64(usage.TotalTokens)
	} else {
		tokens = estimateTokens(content)
	}
	if err := s.quota.Commit(context.Background(), g.req.UserID, 1, tokens); err != nil {
		log.Error().Err(err).Uint64("user_id", g.req.UserID).Msg("quota commit failed")
	}
}

// estimateTokens approximates token usage at 4 runes per token, rounded up.
func estimateTokens(content string) int64 {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}

func (s *Service) record(ctx context.Context, req StreamRequest, action, targetType, targetID string, detail map[string]any) {
	uid := req.UserID
	s.audit.Record(ctx, &uid, action, targetType, targetID, req.RequestID, detail)
}

package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/chat"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/httpapi/middleware"
	"github.com/omnichat/omnichat/internal/logging"
	"github.com/omnichat/omnichat/internal/sse"
)

type createConversationReq struct {
	Title        string `json:"title"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.ChatSvc.CreateConversation(c.Request.Context(), user.ID, req.Title, req.SystemPrompt)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	user := middleware.CurrentUser(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), user.ID, limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) GetConversation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	conv, err := h.ChatSvc.GetConversation(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"conversation":  conv,
		"stream_active": h.ChatSvc.Streams().Active(conv.ID),
	})
}

type renameConversationReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameConversation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req renameConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("title required"))
		return
	}

	conv, err := h.ChatSvc.RenameConversation(c.Request.Context(), user.ID, c.Param("id"), req.Title)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	if err := h.ChatSvc.DeleteConversation(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) ListConversationMessages(c *gin.Context) {
	user := middleware.CurrentUser(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), user.ID, c.Param("id"), limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

type streamReq struct {
	Input       string   `json:"input"`
	Provider    string   `json:"provider_id"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	TopP        *float64 `json:"top_p"`
	Stop        []string `json:"stop"`
}

// StreamConversation starts one generation turn and answers with
// text/event-stream. Validation failures (quota, conflict, ownership) are
// rejected with a JSON envelope before any SSE bytes are written.
func (h *Handler) StreamConversation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req streamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("invalid json"))
		return
	}
	providerID := c.Query("provider_id")
	if providerID == "" {
		providerID = req.Provider
	}
	model := c.Query("model")
	if model == "" {
		model = req.Model
	}

	events, err := h.ChatSvc.StreamChat(c.Request.Context(), chat.StreamRequest{
		UserID:         user.ID,
		UserDisabled:   user.IsDisabled(),
		ConversationID: c.Param("id"),
		ProviderID:     providerID,
		Model:          model,
		Input:          req.Input,
		RequestID:      middleware.GetRequestID(c),
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		TopP:           req.TopP,
		Stop:           req.Stop,
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}

	h.relayEvents(c, events)
}

type cancelStreamReq struct {
	StreamID string `json:"stream_id" binding:"required"`
}

func (h *Handler) CancelStream(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req cancelStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("stream_id required"))
		return
	}

	err := h.ChatSvc.CancelStream(c.Request.Context(), req.StreamID, user.ID, user.IsAdmin())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"stream_id": req.StreamID, "cancelled": true})
}

type retryReq struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

// RetryTurn re-streams the latest user turn with the previous provider and
// model; the response is the same event stream as StreamConversation.
func (h *Handler) RetryTurn(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req retryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("conversation_id required"))
		return
	}

	events, err := h.ChatSvc.RetryLastTurn(c.Request.Context(),
		user.ID, user.IsDisabled(), req.ConversationID, middleware.GetRequestID(c))
	if err != nil {
		common.FailErr(c, err)
		return
	}

	h.relayEvents(c, events)
}

// relayEvents drains the orchestrator's event channel onto the SSE response,
// interleaving keep-alive pings whenever the stream goes idle.
func (h *Handler) relayEvents(c *gin.Context, events <-chan chat.Event) {
	log := logging.GetLogger()

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	interval := h.Cfg.SSEPingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if werr := w.Send(frameFor(ev)); werr != nil {
				log.Debug().Err(werr).Msg("client went away mid-stream")
				return
			}
			ticker.Reset(interval)

		case <-ticker.C:
			if werr := w.Ping(); werr != nil {
				return
			}

		case <-c.Request.Context().Done():
			return
		}
	}
}

func frameFor(ev chat.Event) sse.Frame {
	switch ev.Type {
	case chat.EventMeta:
		m := ev.Meta
		return sse.Meta(m.StreamID, m.ConversationID, m.Provider, m.Model, m.RequestID, m.StartedAt)
	case chat.EventDelta:
		return sse.Delta(ev.Delta)
	case chat.EventFinal:
		f := ev.Final
		return sse.Final(f.MessageID, f.FinishReason, f.Usage, f.ElapsedMS)
	case chat.EventError:
		e := ev.Err
		return sse.Error(string(e.Code), e.Message, e.Retryable)
	default:
		return sse.Ping()
	}
}

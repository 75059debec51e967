package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/httpapi/middleware"
)

func userIDParam(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("invalid user id")
	}
	return id, nil
}

func (h *Handler) AdminGetQuota(c *gin.Context) {
	uid, err := userIDParam(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	q, err := h.Quota.GetQuota(c.Request.Context(), uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	usage, err := h.Quota.UsageFor(c.Request.Context(), uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"quota": q, "usage": usage})
}

type setQuotaReq struct {
	MessagesPerDay *int64 `json:"messages_per_day"`
	TokensPerDay   *int64 `json:"tokens_per_day"`
}

// AdminSetQuota upserts a user's daily limits. Null clears a limit; changes
// apply from the next stream request onward.
func (h *Handler) AdminSetQuota(c *gin.Context) {
	uid, err := userIDParam(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	var req setQuotaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("invalid json"))
		return
	}
	if (req.MessagesPerDay != nil && *req.MessagesPerDay < 0) ||
		(req.TokensPerDay != nil && *req.TokensPerDay < 0) {
		common.FailErr(c, apperr.Validation("limits must be non-negative"))
		return
	}

	if err := h.Quota.SetQuota(c.Request.Context(), uid, req.MessagesPerDay, req.TokensPerDay); err != nil {
		common.FailErr(c, err)
		return
	}

	admin := middleware.CurrentUser(c)
	h.Audit.Record(c.Request.Context(), &admin.ID, "quota.updated", "user", c.Param("id"),
		middleware.GetRequestID(c), map[string]any{
			"messages_per_day": req.MessagesPerDay,
			"tokens_per_day":   req.TokensPerDay,
		})
	common.OK(c, nil)
}

func (h *Handler) AdminResetUsage(c *gin.Context) {
	uid, err := userIDParam(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	if err := h.Quota.ResetUsage(c.Request.Context(), uid); err != nil {
		common.FailErr(c, err)
		return
	}

	admin := middleware.CurrentUser(c)
	h.Audit.Record(c.Request.Context(), &admin.ID, "quota.usage_reset", "user", c.Param("id"),
		middleware.GetRequestID(c), nil)
	common.OK(c, nil)
}

// AdminListUsage returns usage counters over a date range (default: last 7
// days).
func (h *Handler) AdminListUsage(c *gin.Context) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -7)
	if v := c.Query("start"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			common.FailErr(c, apperr.Validation("start must be YYYY-MM-DD"))
			return
		}
		start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			common.FailErr(c, apperr.Validation("end must be YYYY-MM-DD"))
			return
		}
		end = t
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	usage, err := h.Quota.ListUsage(c.Request.Context(), start, end, limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"usage": usage})
}

func (h *Handler) AdminListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := audit.List(c.Request.Context(), h.DB, c.Query("action"), limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"events": events})
}

type setUserStatusReq struct {
	Status string `json:"status" binding:"required"`
}

// AdminSetUserStatus enables or disables an account. Disabling revokes the
// user's sessions; an in-flight stream is aborted via the registry.
func (h *Handler) AdminSetUserStatus(c *gin.Context) {
	uid, err := userIDParam(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	var req setUserStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("status required"))
		return
	}

	admin := middleware.CurrentUser(c)
	user, err := h.AuthSvc.SetUserStatus(c.Request.Context(), admin.ID, uid, req.Status)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, user)
}

// AdminListStreams exposes the in-flight stream table.
func (h *Handler) AdminListStreams(c *gin.Context) {
	streams := h.ChatSvc.Streams().All()
	out := make([]gin.H, 0, len(streams))
	for _, s := range streams {
		out = append(out, gin.H{
			"stream_id":       s.StreamID,
			"user_id":         s.UserID,
			"conversation_id": s.ConversationID,
			"started_at":      s.StartedAt,
		})
	}
	common.OK(c, gin.H{"streams": out})
}

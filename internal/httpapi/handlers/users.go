package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/auth"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/httpapi/middleware"
)

type registerReq struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Email      string `json:"email"`
	InviteCode string `json:"invite_code"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("invalid json"))
		return
	}

	user, err := h.AuthSvc.Register(c.Request.Context(), auth.RegisterInput{
		Username:   req.Username,
		Password:   req.Password,
		Email:      req.Email,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}

	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

func (h *Handler) Me(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		common.FailErr(c, apperr.Unauthorized(""))
		return
	}

	q, err := h.Quota.GetQuota(c.Request.Context(), user.ID)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	usage, err := h.Quota.UsageFor(c.Request.Context(), user.ID)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	common.OK(c, gin.H{
		"user":  user,
		"quota": q,
		"usage": usage,
	})
}

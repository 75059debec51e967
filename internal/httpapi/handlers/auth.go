package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/httpapi/middleware"
)

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login establishes a cookie session plus its CSRF token, and also returns a
// bearer token for non-browser clients.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, apperr.Validation("invalid json"))
		return
	}

	res, err := h.AuthSvc.Login(c.Request.Context(),
		req.Username, req.Password,
		c.ClientIP(), c.Request.UserAgent(),
		h.Cfg.JWTSecret,
	)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.Cfg.SessionCookieName, res.SessionToken,
		int(h.Cfg.SessionTTL.Seconds()), "/", "", h.Cfg.SessionCookieSecure, true)

	common.OK(c, gin.H{
		"user":       res.User,
		"csrf_token": res.CSRFToken,
		"api_token":  res.APIToken,
	})
}

func (h *Handler) Logout(c *gin.Context) {
	sess := middleware.CurrentSession(c)
	if sess == nil {
		common.FailErr(c, apperr.Unauthorized("no session to log out"))
		return
	}
	if err := h.AuthSvc.Logout(c.Request.Context(), sess); err != nil {
		common.FailErr(c, err)
		return
	}
	c.SetCookie(h.Cfg.SessionCookieName, "", -1, "/", "", h.Cfg.SessionCookieSecure, true)
	common.OK(c, nil)
}

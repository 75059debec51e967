package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/config"
	"github.com/omnichat/omnichat/internal/httpapi/handlers"
	"github.com/omnichat/omnichat/internal/httpapi/middleware"
	"github.com/omnichat/omnichat/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, pub audit.Publisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, apperr.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, apperr.CodeValidation, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, rds, pub)
	authn := middleware.NewAuthenticator(db, h.Sessions, rds, cfg.JWTSecret, cfg.SessionCookieName)

	r.GET("/ping", func(c *gin.Context) { common.OK(c, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)

	authed := r.Group("/")
	authed.Use(authn.Required(), authn.CSRF())

	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/me", h.Me)

	authed.POST("/conversations", h.CreateConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.PATCH("/conversations/:id", h.RenameConversation)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.GET("/conversations/:id/messages", h.ListConversationMessages)
	authed.POST("/conversations/:id/stream", h.StreamConversation)

	authed.POST("/chat/cancel", h.CancelStream)
	authed.POST("/chat/retry", h.RetryTurn)

	authed.GET("/providers", h.ListProviders)
	authed.GET("/providers/:id/models", h.ListProviderModels)

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/users/:id/quota", h.AdminGetQuota)
	admin.PUT("/users/:id/quota", h.AdminSetQuota)
	admin.POST("/users/:id/quota/reset", h.AdminResetUsage)
	admin.PUT("/users/:id/status", h.AdminSetUserStatus)
	admin.GET("/usage", h.AdminListUsage)
	admin.GET("/audit", h.AdminListAudit)
	admin.GET("/streams", h.AdminListStreams)

	return r
}

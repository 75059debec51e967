package handlers

import (
	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/auth"
	"github.com/omnichat/omnichat/internal/chat"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/config"
	"github.com/omnichat/omnichat/internal/provider"
	"github.com/omnichat/omnichat/internal/quota"
	"github.com/omnichat/omnichat/internal/store/redisstore"
)

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	Redis     *redisstore.Store
	AuthSvc   *auth.Service
	ChatSvc   *chat.Service
	Quota     *quota.Tracker
	Audit     *audit.Recorder
	Providers *provider.Registry
	Sessions  *auth.SessionManager
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, pub audit.Publisher) *Handler {
	recorder := audit.NewRecorder(db, pub)
	sessions := auth.NewSessionManager(db, cfg.CSRFSecret, cfg.SessionTTL, common.NewULID)
	authSvc := auth.NewService(db, sessions, rds, recorder,
		cfg.InviteRequired, cfg.LoginMaxAttempts, cfg.LoginAttemptWindow)

	registry := provider.NewRegistryFromConfig(cfg)
	tracker := quota.NewTracker(db)
	chatSvc := chat.NewService(
		chat.NewRepo(db),
		registry,
		chat.NewStreamRegistry(),
		tracker,
		recorder,
		cfg.ChatContextWindowSize,
		cfg.ProviderMaxRetries,
	)

	return &Handler{
		DB:        db,
		Cfg:       cfg,
		Redis:     rds,
		AuthSvc:   authSvc,
		ChatSvc:   chatSvc,
		Quota:     tracker,
		Audit:     recorder,
		Providers: registry,
		Sessions:  sessions,
	}
}

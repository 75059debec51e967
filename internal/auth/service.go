package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/models"
	"github.com/omnichat/omnichat/internal/store/redisstore"
)

// Service owns registration, login and session teardown. Login failures are
// throttled per username via redis so password guessing gets expensive.
type Service struct {
	db             *gorm.DB
	sessions       *SessionManager
	redis          *redisstore.Store
	audit          *audit.Recorder
	inviteRequired bool
	maxAttempts    int64
	attemptWindow  time.Duration
}

func NewService(db *gorm.DB, sessions *SessionManager, rds *redisstore.Store, recorder *audit.Recorder, inviteRequired bool, maxAttempts int, attemptWindow time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if attemptWindow <= 0 {
		attemptWindow = 15 * time.Minute
	}
	return &Service{
		db:             db,
		sessions:       sessions,
		redis:          rds,
		audit:          recorder,
		inviteRequired: inviteRequired,
		maxAttempts:    int64(maxAttempts),
		attemptWindow:  attemptWindow,
	}
}

func (s *Service) Sessions() *SessionManager { return s.sessions }

type RegisterInput struct {
	Username   string
	Password   string
	Email      string
	InviteCode string
}

// Register creates an active user. When invite gating is on, a valid unused
// invite code is consumed inside the same transaction as the user insert.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	username := strings.TrimSpace(strings.ToLower(in.Username))
	if len(username) < 3 || len(username) > 64 {
		return nil, apperr.Validation("username must be 3-64 characters")
	}
	if len(in.Password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}
	if s.inviteRequired && in.InviteCode == "" {
		return nil, apperr.InviteRequired()
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Status:       models.StatusActive,
	}
	if e := strings.TrimSpace(in.Email); e != "" {
		user.Email = &e
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inviteID uint64
		if s.inviteRequired {
			id, err := consumeInvite(tx, in.InviteCode)
			if err != nil {
				return err
			}
			inviteID = id
		}

		var cnt int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&cnt).Error; err != nil {
			return err
		}
		if cnt > 0 {
			return apperr.UsernameTaken()
		}
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		if inviteID != 0 {
			return tx.Model(&models.Invite{}).Where("id = ?", inviteID).
				Update("used_by", user.ID).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &user.ID, "user.registered", "user", username, "", nil)
	return user, nil
}

// consumeInvite validates and burns one use of the invite code. Runs inside
// the registration transaction; the guarded increment makes double-spend a
// no-op race loser instead of a duplicate use.
func consumeInvite(tx *gorm.DB, code string) (uint64, error) {
	var inv models.Invite
	err := tx.Where("code = ?", code).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperr.InviteInvalid()
		}
		return 0, err
	}
	if time.Now().After(inv.ExpiresAt) {
		return 0, apperr.InviteInvalid()
	}

	res := tx.Model(&models.Invite{}).
		Where("id = ? AND use_count < max_uses", inv.ID).
		Updates(map[string]any{
			"use_count": gorm.Expr("use_count + 1"),
			"used_at":   time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, apperr.InviteInvalid()
	}
	return inv.ID, nil
}

// LoginResult carries everything the handler needs to establish the client's
// credentials: the cookie token, its CSRF pair, and a bearer JWT for
// non-browser clients.
type LoginResult struct {
	User         *models.User
	SessionToken string
	CSRFToken    string
	APIToken     string
}

func (s *Service) Login(ctx context.Context, username, password, ip, userAgent, jwtSecret string) (*LoginResult, error) {
	username = strings.TrimSpace(strings.ToLower(username))

	if s.redis != nil {
		n, err := s.redis.LoginFailures(ctx, username)
		if err == nil && n >= s.maxAttempts {
			return nil, apperr.RateLimited("too many failed login attempts")
		}
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.noteFailure(ctx, username)
			return nil, apperr.InvalidCredentials()
		}
		return nil, err
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.noteFailure(ctx, username)
		s.audit.Record(ctx, &user.ID, "auth.login_failed", "user", username, "", nil)
		return nil, apperr.InvalidCredentials()
	}
	if user.IsDisabled() {
		return nil, apperr.AccountDisabled()
	}

	if s.redis != nil {
		_ = s.redis.ClearLoginFailures(ctx, username)
	}

	now := time.Now()
	_ = s.db.WithContext(ctx).Model(&user).Update("last_login", now).Error

	token, csrf, err := s.sessions.Create(ctx, user.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	apiToken, err := SignJWT(user.ID, jwtSecret, s.sessions.ttl)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &user.ID, "auth.login", "user", username, "", nil)
	return &LoginResult{
		User:         &user,
		SessionToken: token,
		CSRFToken:    csrf,
		APIToken:     apiToken,
	}, nil
}

func (s *Service) noteFailure(ctx context.Context, username string) {
	if s.redis == nil {
		return
	}
	_, _ = s.redis.RecordLoginFailure(ctx, username, s.attemptWindow)
}

// Logout removes the session row and drops the redis session cache entry.
func (s *Service) Logout(ctx context.Context, sess *Session) error {
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return err
	}
	if s.redis != nil {
		_ = s.redis.DropSession(ctx, sess.TokenHash)
	}
	s.audit.Record(ctx, &sess.UserID, "auth.logout", "session", sess.ID, "", nil)
	return nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}
	return &user, nil
}

// SetUserStatus flips a user between active and disabled (admin only at the
// handler layer). Disabling also revokes every live session.
func (s *Service) SetUserStatus(ctx context.Context, actorID, userID uint64, status string) (*models.User, error) {
	if status != models.StatusActive && status != models.StatusDisabled {
		return nil, apperr.Validation("status must be active or disabled")
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("status", status).Error; err != nil {
		return nil, err
	}
	user.Status = status
	if status == models.StatusDisabled {
		_ = s.sessions.DeleteForUser(ctx, userID)
	}
	s.audit.Record(ctx, &actorID, "user.status_changed", "user", user.Username, "", map[string]any{
		"status": status,
	})
	return user, nil
}

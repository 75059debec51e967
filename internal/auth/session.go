package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/apperr"
)

// Session is a server-side login session. The opaque token lives in a
// cookie; only its SHA-256 hash is stored.
type Session struct {
	ID         string    `gorm:"primaryKey;size:26"`
	UserID     uint64    `gorm:"index;not null"`
	TokenHash  string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	IPAddress  string    `gorm:"type:varchar(45)"`
	UserAgent  string    `gorm:"type:varchar(512)"`
	CreatedAt  time.Time
	LastSeenAt time.Time
}

func (Session) TableName() string { return "sessions" }

type SessionManager struct {
	db         *gorm.DB
	csrfSecret []byte
	ttl        time.Duration
	newID      func() (string, error)
}

func NewSessionManager(db *gorm.DB, csrfSecret string, ttl time.Duration, newID func() (string, error)) *SessionManager {
	return &SessionManager{db: db, csrfSecret: []byte(csrfSecret), ttl: ttl, newID: newID}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create mints a new session and returns (token, csrfToken). The raw token is
// never persisted.
func (m *SessionManager) Create(ctx context.Context, userID uint64, ip, userAgent string) (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	id, err := m.newID()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	sess := &Session{
		ID:         id,
		UserID:     userID,
		TokenHash:  hashToken(token),
		ExpiresAt:  now.Add(m.ttl),
		IPAddress:  ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := m.db.WithContext(ctx).Create(sess).Error; err != nil {
		return "", "", err
	}
	return token, m.CSRFToken(id), nil
}

// Resolve returns the session for a raw cookie token, rejecting expired ones.
func (m *SessionManager) Resolve(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := m.db.WithContext(ctx).
		Where("token_hash = ?", hashToken(token)).
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unauthorized("")
		}
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = m.db.WithContext(ctx).Delete(&Session{}, "id = ?", sess.ID).Error
		return nil, apperr.SessionExpired()
	}
	return &sess, nil
}

// Touch advances LastSeenAt; failures are ignored by callers.
func (m *SessionManager) Touch(ctx context.Context, sessionID string) error {
	return m.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", sessionID).
		Update("last_seen_at", time.Now()).Error
}

func (m *SessionManager) Delete(ctx context.Context, sessionID string) error {
	return m.db.WithContext(ctx).Delete(&Session{}, "id = ?", sessionID).Error
}

func (m *SessionManager) DeleteForUser(ctx context.Context, userID uint64) error {
	return m.db.WithContext(ctx).Delete(&Session{}, "user_id = ?", userID).Error
}

// CSRFToken derives the double-submit token as HMAC-SHA256(secret, sessionID).
// Stateless: nothing extra is stored and the token is stable per session.
func (m *SessionManager) CSRFToken(sessionID string) string {
	mac := hmac.New(sha256.New, m.csrfSecret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCSRF checks a presented header token against the session's derived one.
func (m *SessionManager) VerifyCSRF(sessionID, presented string) bool {
	if presented == "" {
		return false
	}
	expected := m.CSRFToken(sessionID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

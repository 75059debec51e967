package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/auth"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/models"
	"github.com/omnichat/omnichat/internal/store/redisstore"
)

const (
	UserKey    = "auth_user"
	SessionKey = "auth_session"

	sessionCacheTTL = 5 * time.Minute
)

// Authenticator resolves request credentials: a session cookie for browsers,
// or a bearer JWT for API clients. Browser requests additionally go through
// CSRF() on mutating methods.
type Authenticator struct {
	db         *gorm.DB
	sessions   *auth.SessionManager
	redis      *redisstore.Store
	jwtSecret  string
	cookieName string
}

func NewAuthenticator(db *gorm.DB, sessions *auth.SessionManager, rds *redisstore.Store, jwtSecret, cookieName string) *Authenticator {
	return &Authenticator{
		db:         db,
		sessions:   sessions,
		redis:      rds,
		jwtSecret:  jwtSecret,
		cookieName: cookieName,
	}
}

// Required rejects unauthenticated requests and puts the user (and session,
// when cookie-authenticated) on the gin context.
func (a *Authenticator) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := c.Cookie(a.cookieName); err == nil && token != "" {
			a.viaSession(c, token)
			return
		}
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			a.viaJWT(c, strings.TrimPrefix(h, "Bearer "))
			return
		}
		common.FailErr(c, apperr.Unauthorized(""))
		c.Abort()
	}
}

func (a *Authenticator) viaSession(c *gin.Context, token string) {
	ctx := c.Request.Context()
	hash := tokenHash(token)

	// Hot path: redis maps the token hash to (session id, user id) so the
	// sessions table is skipped. The user row is always read fresh, which
	// keeps role and disabled checks current; logout drops the cache entry.
	var sess *auth.Session
	if a.redis != nil {
		if sid, uid, ok, err := a.redis.CachedSession(ctx, hash); err == nil && ok {
			sess = &auth.Session{ID: sid, UserID: uid, TokenHash: hash}
		}
	}
	if sess == nil {
		resolved, err := a.sessions.Resolve(ctx, token)
		if err != nil {
			common.FailErr(c, err)
			c.Abort()
			return
		}
		sess = resolved
		if a.redis != nil {
			_ = a.redis.CacheSession(ctx, hash, sess.ID, sess.UserID, sessionCacheTTL)
		}
		_ = a.sessions.Touch(ctx, sess.ID)
	}

	user, err := a.loadUser(c, sess.UserID)
	if err != nil {
		common.FailErr(c, err)
		c.Abort()
		return
	}

	c.Set(SessionKey, sess)
	c.Set(UserKey, user)
	c.Next()
}

func (a *Authenticator) viaJWT(c *gin.Context, token string) {
	uid, err := auth.ParseJWT(token, a.jwtSecret)
	if err != nil {
		common.FailErr(c, apperr.Unauthorized("invalid token"))
		c.Abort()
		return
	}
	user, err := a.loadUser(c, uid)
	if err != nil {
		common.FailErr(c, err)
		c.Abort()
		return
	}
	c.Set(UserKey, user)
	c.Next()
}

func (a *Authenticator) loadUser(c *gin.Context, uid uint64) (*models.User, error) {
	var user models.User
	if err := a.db.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		return nil, apperr.Unauthorized("")
	}
	if user.IsDisabled() {
		return nil, apperr.AccountDisabled()
	}
	return &user, nil
}

// CSRF enforces the double-submit header on mutating cookie-authenticated
// requests. Bearer-token requests carry no ambient credential, so they pass.
func (a *Authenticator) CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		v, ok := c.Get(SessionKey)
		if !ok {
			c.Next()
			return
		}
		sess := v.(*auth.Session)
		if !a.sessions.VerifyCSRF(sess.ID, c.GetHeader("X-CSRF-Token")) {
			common.FailErr(c, apperr.CSRFFailed())
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin gates the admin surface.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsAdmin() {
			common.FailErr(c, apperr.Forbidden(""))
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil.
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}

// CurrentSession returns the cookie session, or nil for bearer auth.
func CurrentSession(c *gin.Context) *auth.Session {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil
	}
	s, _ := v.(*auth.Session)
	return s
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/omnichat/omnichat/internal/audit"
	"github.com/omnichat/omnichat/internal/auth"
	"github.com/omnichat/omnichat/internal/chat"
	"github.com/omnichat/omnichat/internal/config"
	"github.com/omnichat/omnichat/internal/models"
	"github.com/omnichat/omnichat/internal/quota"
)

var dbSeq atomic.Int64

func testRouter(t *testing.T) (*gin.Engine, config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:httpapi%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(&models.User{}, &models.Invite{}, &auth.Session{},
		&chat.Conversation{}, &chat.Message{}, &quota.UserQuota{},
		&quota.UsageCounter{}, &audit.Event{})
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	cfg := config.Config{
		JWTSecret:         "test-jwt",
		CSRFSecret:        "test-csrf",
		SessionTTL:        time.Hour,
		SessionCookieName: "omnichat_session",
		InviteRequired:    false,
	}
	return NewRouter(db, cfg, nil, nil), cfg
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Data
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", name)
	return nil
}

func TestLoginFlowAndCSRF(t *testing.T) {
	r, cfg := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/auth/register",
		`{"username":"alice","password":"longenough"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, "/auth/login",
		`{"username":"alice","password":"longenough"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	cookie := sessionCookie(t, rec, cfg.SessionCookieName)
	data := decodeData(t, rec)
	csrf, _ := data["csrf_token"].(string)
	if csrf == "" {
		t.Fatalf("login response missing csrf_token: %v", data)
	}

	// GET with the cookie needs no CSRF header
	rec = doJSON(t, r, http.MethodGet, "/auth/me", "", func(req *http.Request) {
		req.AddCookie(cookie)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rec.Code, rec.Body.String())
	}

	// mutating cookie-auth request without the header is rejected
	rec = doJSON(t, r, http.MethodPost, "/conversations", `{}`, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf header, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "E2003") {
		t.Fatalf("expected csrf error code, got %s", rec.Body.String())
	}

	// same request with the header succeeds
	rec = doJSON(t, r, http.MethodPost, "/conversations", `{"title":"hello"}`, func(req *http.Request) {
		req.AddCookie(cookie)
		req.Header.Set("X-CSRF-Token", csrf)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create conversation: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBearerTokenSkipsCSRF(t *testing.T) {
	r, _ := testRouter(t)

	doJSON(t, r, http.MethodPost, "/auth/register",
		`{"username":"bob","password":"longenough"}`, nil)
	rec := doJSON(t, r, http.MethodPost, "/auth/login",
		`{"username":"bob","password":"longenough"}`, nil)
	data := decodeData(t, rec)
	apiToken, _ := data["api_token"].(string)
	if apiToken == "" {
		t.Fatalf("login response missing api_token")
	}

	rec = doJSON(t, r, http.MethodPost, "/conversations", `{"title":"via jwt"}`, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer create conversation: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/conversations", "", func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer not-a-token")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminGateForbidsRegularUsers(t *testing.T) {
	r, _ := testRouter(t)

	doJSON(t, r, http.MethodPost, "/auth/register",
		`{"username":"carol","password":"longenough"}`, nil)
	rec := doJSON(t, r, http.MethodPost, "/auth/login",
		`{"username":"carol","password":"longenough"}`, nil)
	data := decodeData(t, rec)
	apiToken, _ := data["api_token"].(string)

	rec = doJSON(t, r, http.MethodGet, "/admin/streams", "", func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d %s", rec.Code, rec.Body.String())
	}
}

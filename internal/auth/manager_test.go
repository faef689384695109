package auth

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type testClient struct {
	t      *testing.T
	router *gin.Engine
	cookie *http.Cookie
}

func (c *testClient) do(req *http.Request) *httptest.ResponseRecorder {
	c.t.Helper()
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == SessionCookieName {
			c.cookie = ck
		}
	}
	return rec
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newTestRouter(t *testing.T, registry Registry) (*gin.Engine, *Manager, *clock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := &clock{now: time.Unix(1700000000, 0)}
	manager := NewManager(registry, Options{
		MaxLifetime: time.Hour,
		IdleTimeout: 10 * time.Minute,
	}, log.New(io.Discard, "", 0))
	manager.now = clk.Now

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, NewCookieStore([]byte("0123456789abcdef0123456789abcdef"), manager.MaxAgeSeconds(), false)))

	router.POST("/signin", func(c *gin.Context) {
		id, _ := strconv.Atoi(c.Query("uid"))
		if err := manager.SignIn(c, uint(id)); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.GET("/me", manager.RequireLogin(), func(c *gin.Context) {
		identity, ok := CurrentIdentity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, strconv.FormatUint(uint64(identity.UserID), 10))
	})
	router.GET("/signout", manager.RequireLoginWithoutRefresh(), func(c *gin.Context) {
		if err := manager.SignOut(c); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.GET("/token", func(c *gin.Context) {
		token, err := manager.CSRFToken(c)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, token)
	})
	router.POST("/form", manager.VerifyCSRF(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router, manager, clk
}

func TestRequireLoginAnonymous(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	rec := client.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "UNAUTHORIZED") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestSignInResolvesIdentity(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	rec := client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=7", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("signin failed: %d %s", rec.Code, rec.Body.String())
	}
	if client.cookie == nil {
		t.Fatal("expected session cookie")
	}
	if !client.cookie.HttpOnly {
		t.Fatal("expected HttpOnly cookie")
	}

	rec = client.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "7" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSignOutInvalidatesCookie(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=3", nil))
	captured := client.cookie

	rec := client.do(httptest.NewRequest(http.MethodGet, "/signout", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("signout failed: %d", rec.Code)
	}
	if got := len(rec.Header().Values("Set-Cookie")); got != 1 {
		t.Fatalf("Set-Cookie headers = %d, want 1", got)
	}

	rec = client.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after signout, got %d", rec.Code)
	}

	// ログアウト前のクッキーを再送しても解決されない
	replay := &testClient{t: t, router: router, cookie: captured}
	rec = replay.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed cookie, got %d", rec.Code)
	}
}

func TestSignOutRequiresLogin(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	rec := client.do(httptest.NewRequest(http.MethodGet, "/signout", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTamperedCookieIsAnonymous(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=3", nil))
	forged := *client.cookie
	forged.Value = forged.Value[:len(forged.Value)-4] + "AAAA"

	tampered := &testClient{t: t, router: router, cookie: &forged}
	rec := tampered.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered cookie, got %d", rec.Code)
	}

	garbage := &testClient{t: t, router: router, cookie: &http.Cookie{Name: SessionCookieName, Value: "not-a-session"}}
	rec = garbage.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed cookie, got %d", rec.Code)
	}
}

func TestIdleTimeout(t *testing.T) {
	router, _, clk := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=5", nil))

	clk.now = clk.now.Add(9 * time.Minute)
	if rec := client.do(httptest.NewRequest(http.MethodGet, "/me", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected session to be alive, got %d", rec.Code)
	}

	// 最終操作から10分を超えると失効する
	clk.now = clk.now.Add(11 * time.Minute)
	if rec := client.do(httptest.NewRequest(http.MethodGet, "/me", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected idle timeout, got %d", rec.Code)
	}
}

func TestMaxLifetime(t *testing.T) {
	router, _, clk := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=5", nil))
	for i := 0; i < 7; i++ {
		clk.now = clk.now.Add(9 * time.Minute)
		client.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	}
	if rec := client.do(httptest.NewRequest(http.MethodGet, "/me", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected lifetime expiry, got %d", rec.Code)
	}
}

func TestSignInRotatesSession(t *testing.T) {
	registry := NewMemoryRegistry()
	router, _, _ := newTestRouter(t, registry)
	client := &testClient{t: t, router: router}

	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=1", nil))
	first := client.cookie
	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=2", nil))

	if rec := client.do(httptest.NewRequest(http.MethodGet, "/me", nil)); rec.Body.String() != "2" {
		t.Fatalf("unexpected identity: %s", rec.Body.String())
	}
	old := &testClient{t: t, router: router, cookie: first}
	if rec := old.do(httptest.NewRequest(http.MethodGet, "/me", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected previous session to be revoked, got %d", rec.Code)
	}
}

func TestVerifyCSRF(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	rec := client.do(httptest.NewRequest(http.MethodPost, "/form", nil))
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "CSRF_MISSING") {
		t.Fatalf("expected CSRF_MISSING, got %d %s", rec.Code, rec.Body.String())
	}

	rec = client.do(httptest.NewRequest(http.MethodGet, "/token", nil))
	token := rec.Body.String()
	if token == "" {
		t.Fatal("expected csrf token")
	}

	form := url.Values{CSRFFormField: {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = client.do(req)
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "CSRF_INVALID") {
		t.Fatalf("expected CSRF_INVALID, got %d %s", rec.Code, rec.Body.String())
	}

	form = url.Values{CSRFFormField: {token}}
	req = httptest.NewRequest(http.MethodPost, "/form", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec = client.do(req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected form token to pass, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/form", nil)
	req.Header.Set(csrfHeader, token)
	if rec = client.do(req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected header token to pass, got %d", rec.Code)
	}

	// 同じセッションの間はトークンが変わらない
	if rec = client.do(httptest.NewRequest(http.MethodGet, "/token", nil)); rec.Body.String() != token {
		t.Fatal("expected stable csrf token")
	}
}

type failingRegistry struct{}

func (failingRegistry) Register(ctx context.Context, sessionID string, userID uint, ttl time.Duration) error {
	return errors.New("registry down")
}

func (failingRegistry) Lookup(ctx context.Context, sessionID string) (uint, bool, error) {
	return 0, false, errors.New("registry down")
}

func (failingRegistry) Revoke(ctx context.Context, sessionID string) error {
	return errors.New("registry down")
}

func TestSignInRegistryFailure(t *testing.T) {
	router, _, _ := newTestRouter(t, failingRegistry{})
	client := &testClient{t: t, router: router}

	rec := client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if rec = client.do(httptest.NewRequest(http.MethodGet, "/me", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignInRejectsZeroUser(t *testing.T) {
	router, _, _ := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	if rec := client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=0", nil)); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequireLoginRefreshesActivity(t *testing.T) {
	router, _, clk := newTestRouter(t, NewMemoryRegistry())
	client := &testClient{t: t, router: router}

	client.do(httptest.NewRequest(http.MethodPost, "/signin?uid=9", nil))
	clk.now = clk.now.Add(time.Minute)

	rec := client.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := len(rec.Header().Values("Set-Cookie")); got != 1 {
		t.Fatalf("Set-Cookie headers = %d, want 1", got)
	}
}

// Package auth はセッションの発行・解決とログイン必須ルートの保護を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	SessionCookieName    = "sv_session"
	sessionKeyUser       = "auth_user"
	sessionKeySession    = "session_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
	// CSRFFormField はフォームに埋め込む CSRF トークンのフィールド名です。
	CSRFFormField = "csrf_token"
)

const (
	defaultMaxLifetime = 12 * time.Hour
	defaultIdleTimeout = 30 * time.Minute
)

// ErrUnauthorized はログインが必要な操作を未ログインで呼び出した場合のエラーです。
var ErrUnauthorized = errors.New("unauthorized")

// ContextIdentityKey は、ハンドラー間でログイン済みの Identity を共有するためのキーです。
const ContextIdentityKey = "auth.identity"

// Identity はセッションに紐づくログイン中の利用者です。
type Identity struct {
	UserID    uint
	SessionID string
}

// Options はセッションの有効期限設定です。
type Options struct {
	MaxLifetime time.Duration
	IdleTimeout time.Duration
}

// Manager はセッションの発行・検証・破棄をまとめた構造体です。
type Manager struct {
	registry    Registry
	maxLifetime time.Duration
	idleTimeout time.Duration
	logger      *log.Logger
	now         func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(registry Registry, opts Options, logger *log.Logger) *Manager {
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = defaultMaxLifetime
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		registry:    registry,
		maxLifetime: opts.MaxLifetime,
		idleTimeout: opts.IdleTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// MaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func (m *Manager) MaxAgeSeconds() int {
	return int(m.maxLifetime.Seconds())
}

// SignIn は userID に紐づく新しいセッションを発行します。
// 既存のセッションは破棄され、CSRF トークンも作り直されます。
func (m *Manager) SignIn(c *gin.Context, userID uint) error {
	if userID == 0 {
		return fmt.Errorf("userID is required")
	}
	session := sessions.Default(c)
	if previous, ok := session.Get(sessionKeySession).(string); ok && previous != "" {
		if err := m.registry.Revoke(c.Request.Context(), previous); err != nil {
			return fmt.Errorf("failed to revoke previous session: %w", err)
		}
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate csrf token: %w", err)
	}
	sessionID := uuid.NewString()
	if err := m.registry.Register(c.Request.Context(), sessionID, userID, m.maxLifetime); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	now := m.now()
	session.Clear()
	session.Set(sessionKeyUser, userID)
	session.Set(sessionKeySession, sessionID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SignOut はセッションを破棄します。破棄後は同じクッキーを提示しても解決されません。
func (m *Manager) SignOut(c *gin.Context) error {
	session := sessions.Default(c)
	if sessionID, ok := session.Get(sessionKeySession).(string); ok && sessionID != "" {
		if err := m.registry.Revoke(c.Request.Context(), sessionID); err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
	}
	session.Clear()
	c.Set(ContextIdentityKey, nil)
	if err := session.Save(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Resolve はリクエストのセッションからログイン中の利用者を求めます。
// セッションが無い・改ざんされている・期限切れ・破棄済みの場合は false を返します。
func (m *Manager) Resolve(c *gin.Context) (Identity, bool) {
	if v, ok := c.Get(ContextIdentityKey); ok {
		if identity, ok := v.(Identity); ok {
			return identity, true
		}
	}

	session := sessions.Default(c)
	userID, ok := session.Get(sessionKeyUser).(uint)
	if !ok || userID == 0 {
		return Identity{}, false
	}
	sessionID, ok := session.Get(sessionKeySession).(string)
	if !ok || sessionID == "" {
		return Identity{}, false
	}

	now := m.now()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))
	if issuedAt.IsZero() || now.Sub(issuedAt) > m.maxLifetime {
		return Identity{}, false
	}
	if lastActive.IsZero() || now.Sub(lastActive) > m.idleTimeout {
		return Identity{}, false
	}

	registered, found, err := m.registry.Lookup(c.Request.Context(), sessionID)
	if err != nil {
		m.logger.Printf("session lookup failed: %v", err)
		return Identity{}, false
	}
	if !found || registered != userID {
		return Identity{}, false
	}
	return Identity{UserID: userID, SessionID: sessionID}, true
}

// Touch は最終操作時刻を更新します。
func (m *Manager) Touch(c *gin.Context) error {
	session := sessions.Default(c)
	session.Set(sessionKeyLastActive, m.now().Unix())
	return session.Save()
}

// CSRFToken はセッションの CSRF トークンを返します。未発行の場合は発行して保存します。
func (m *Manager) CSRFToken(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return "", err
	}
	return token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

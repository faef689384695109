package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
// 未ログインの場合はハンドラーを実行せずに 401 を返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return m.requireLogin(true)
}

// RequireLoginWithoutRefresh は最終操作時刻を更新しない RequireLogin です。
// ログアウトのようにセッションを終了するルートに使います。
func (m *Manager) RequireLoginWithoutRefresh() gin.HandlerFunc {
	return m.requireLogin(false)
}

func (m *Manager) requireLogin(refresh bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := m.Resolve(c)
		if !ok {
			session := sessions.Default(c)
			if session.Get(sessionKeyUser) != nil {
				// 期限切れ・破棄済みのセッションは中身を消しておく
				session.Clear()
				_ = session.Save()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		if refresh {
			if err := m.Touch(c); err != nil {
				m.logger.Printf("failed to refresh session: %v", err)
			}
		}
		c.Set(ContextIdentityKey, identity)
		c.Next()
	}
}

// VerifyCSRF は csrf_token フォーム値または X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if received == "" {
			received = c.PostForm(CSRFFormField)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// CurrentIdentity は RequireLogin が格納した Identity を返します。
func CurrentIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ContextIdentityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

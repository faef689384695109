package auth

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
)

// NewCookieStore は署名付きクッキーのセッションストアを作成します。
// フォーム送信後のリダイレクトでクッキーを送るため SameSite は Lax にします。
func NewCookieStore(secret []byte, maxAge int, secure bool) cookie.Store {
	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return store
}

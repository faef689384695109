package web

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/secrets-vault/internal/auth"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// RouterOptions はルーター構築時の設定です。
type RouterOptions struct {
	SessionStore       sessions.Store
	CORSAllowedOrigins []string
}

// NewRouter はミドルウェアとルーティングを設定した gin.Engine を返します。
func NewRouter(h *Handler, opts RouterOptions) (*gin.Engine, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}

	// デフォルトミドルウェア: Logger, Recovery
	router := gin.Default()
	router.SetHTMLTemplate(tmpl)
	router.Use(sessions.Sessions(auth.SessionCookieName, opts.SessionStore))

	if len(opts.CORSAllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = opts.CORSAllowedOrigins
		corsConfig.AllowCredentials = true
		corsConfig.AllowHeaders = []string{
			"Origin",
			"Content-Type",
			"Accept",
			"X-CSRF-Token",
		}
		router.Use(cors.New(corsConfig))
	}

	setupRoutes(router, h)
	return router, nil
}

func setupRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", handleHealth)

	router.GET("/", h.Home)

	// フォーム表示時に発行した CSRF トークンを POST で検証する
	router.GET("/register", h.RegisterForm)
	router.POST("/register", h.auth.VerifyCSRF(), h.Register)
	router.GET("/login", h.LoginForm)
	router.POST("/login", h.auth.VerifyCSRF(), h.Login)

	protected := router.Group("")
	protected.Use(h.auth.RequireLogin())
	{
		protected.GET("/secrets", h.Secrets)
		protected.GET("/download", h.Download)
	}

	// セッションを破棄するだけなのでクッキーの書き込みは一度にする
	router.GET("/logout", h.auth.RequireLoginWithoutRefresh(), h.Logout)
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "secrets-vault",
	})
}

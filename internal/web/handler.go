// Package web は登録・ログイン・ログアウトとメンバー限定ページの HTTP ハンドラーを提供します。
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/yourusername/secrets-vault/internal/auth"
	"github.com/yourusername/secrets-vault/internal/storage"
	"github.com/yourusername/secrets-vault/internal/users"
)

var (
	// ErrAlreadyRegistered は登録済みのメールアドレスで登録しようとした場合のエラーです。
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrUnknownUser はメールアドレスに一致する利用者がいない場合のエラーです。
	ErrUnknownUser = errors.New("unknown user")
	// ErrBadPassword はパスワードが一致しない場合のエラーです。
	ErrBadPassword = errors.New("bad password")
)

// 利用者に表示する通知
const (
	MsgLoggedIn          = "ログインしました。ようこそ！"
	MsgAlreadyRegistered = "このメールアドレスは登録済みです。ログインしてください。"
	MsgUnknownUser       = "このメールアドレスのユーザーは存在しません。別のアドレスをお試しください。"
	MsgBadPassword       = "パスワードが正しくありません。もう一度お試しください。"
	MsgInvalidInput      = "入力内容を確認してください。"
)

// UserStore は利用者の検索と登録を提供します。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	FindByID(ctx context.Context, id uint) (*users.User, error)
	Create(ctx context.Context, email, passwordHash, displayName string) (*users.User, error)
}

// PasswordHasher はパスワードのハッシュ化と検証を提供します。
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) bool
}

// Handler は認証フローとメンバー限定ページのハンドラーをまとめた構造体です。
type Handler struct {
	users  UserStore
	hasher PasswordHasher
	auth   *auth.Manager
	asset  *storage.Asset
	logger *log.Logger
}

// NewHandler は Handler を初期化します。
func NewHandler(store UserStore, hasher PasswordHasher, authManager *auth.Manager, asset *storage.Asset, logger *log.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if hasher == nil {
		return nil, errors.New("hasher is nil")
	}
	if authManager == nil {
		return nil, errors.New("authManager is nil")
	}
	if asset == nil {
		return nil, errors.New("asset is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		users:  store,
		hasher: hasher,
		auth:   authManager,
		asset:  asset,
		logger: logger,
	}, nil
}

// emailRule は正規化後のメールアドレスに適用する検証ルールです。
const emailRule = "required,email,max=320"

var validate = validator.New()

type registerRequest struct {
	Email    string `form:"email" binding:"required"`
	Password string `form:"password" binding:"required,max=1024"`
	Name     string `form:"name" binding:"max=1000"`
}

type loginRequest struct {
	Email    string `form:"email" binding:"required"`
	Password string `form:"password" binding:"required"`
}

// Home は GET / のハンドラーです。
func (h *Handler) Home(c *gin.Context) {
	_, loggedIn := h.auth.Resolve(c)
	c.HTML(http.StatusOK, "index.tmpl", gin.H{
		"title":    "Secrets Vault",
		"loggedIn": loggedIn,
		"flashes":  popFlashes(c),
	})
}

// RegisterForm は GET /register のハンドラーです。
func (h *Handler) RegisterForm(c *gin.Context) {
	h.renderForm(c, http.StatusOK, "register.tmpl", "新規登録", nil)
}

// Register は POST /register のハンドラーです。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		h.renderForm(c, http.StatusBadRequest, "register.tmpl", "新規登録", []string{MsgInvalidInput})
		return
	}
	// 前後の空白は形式チェックの前に取り除く
	req.Email = normalizeEmail(req.Email)
	if err := validate.Var(req.Email, emailRule); err != nil {
		h.renderForm(c, http.StatusBadRequest, "register.tmpl", "新規登録", []string{MsgInvalidInput})
		return
	}

	user, err := h.register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			h.redirectWithFlash(c, "/login", MsgAlreadyRegistered)
			return
		}
		respondWithError(c, h.logger, err)
		return
	}

	if err := h.auth.SignIn(c, user.ID); err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	h.logger.Printf("user registered id=%d", user.ID)
	h.redirectWithFlash(c, "/secrets", MsgLoggedIn)
}

// LoginForm は GET /login のハンドラーです。
func (h *Handler) LoginForm(c *gin.Context) {
	h.renderForm(c, http.StatusOK, "login.tmpl", "ログイン", nil)
}

// Login は POST /login のハンドラーです。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.renderForm(c, http.StatusBadRequest, "login.tmpl", "ログイン", []string{MsgInvalidInput})
		return
	}

	user, err := h.authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var notice string
		switch {
		case errors.Is(err, ErrUnknownUser):
			notice = MsgUnknownUser
		case errors.Is(err, ErrBadPassword):
			notice = MsgBadPassword
		default:
			respondWithError(c, h.logger, err)
			return
		}
		// 失敗時は既存のログイン状態も残さない
		if _, ok := h.auth.Resolve(c); ok {
			if err := h.auth.SignOut(c); err != nil {
				respondWithError(c, h.logger, err)
				return
			}
		}
		h.redirectWithFlash(c, "/login", notice)
		return
	}

	if err := h.auth.SignIn(c, user.ID); err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	h.redirectWithFlash(c, "/secrets", MsgLoggedIn)
}

// Secrets は GET /secrets のハンドラーです。RequireLogin の後ろに配置します。
func (h *Handler) Secrets(c *gin.Context) {
	user, err := h.currentUser(c)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.HTML(http.StatusOK, "secrets.tmpl", gin.H{
		"title":    "シークレット",
		"loggedIn": true,
		"name":     user.DisplayName,
		"flashes":  popFlashes(c),
	})
}

// Logout は GET /logout のハンドラーです。RequireLogin の後ろに配置します。
func (h *Handler) Logout(c *gin.Context) {
	if err := h.auth.SignOut(c); err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// Download は GET /download のハンドラーです。RequireLogin の後ろに配置します。
func (h *Handler) Download(c *gin.Context) {
	if _, err := h.currentUser(c); err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	file, size, err := h.asset.Open()
	if err != nil {
		respondWithError(c, h.logger, fmt.Errorf("ダウンロードファイルの読み込みに失敗しました: %w", err))
		return
	}
	defer file.Close()

	encodedName := url.PathEscape(h.asset.Filename)
	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", h.asset.Filename, encodedName),
		"Cache-Control":       "no-store",
	}
	if h.asset.Pages > 0 {
		headers["X-Page-Count"] = strconv.Itoa(h.asset.Pages)
	}
	c.DataFromReader(http.StatusOK, size, h.asset.ContentType, file, headers)
}

// register は新しい利用者を作成します。登録済みの場合は ErrAlreadyRegistered を返します。
func (h *Handler) register(ctx context.Context, req registerRequest) (*users.User, error) {
	email := normalizeEmail(req.Email)

	existing, err := h.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyRegistered
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	user, err := h.users.Create(ctx, email, hash, strings.TrimSpace(req.Name))
	if err != nil {
		// 事前確認と作成の間に同じアドレスが登録された場合
		if errors.Is(err, users.ErrDuplicateEmail) {
			return nil, ErrAlreadyRegistered
		}
		return nil, err
	}
	return user, nil
}

// authenticate はメールアドレスとパスワードを照合します。
func (h *Handler) authenticate(ctx context.Context, email, password string) (*users.User, error) {
	user, err := h.users.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownUser
	}
	if !h.hasher.Verify(password, user.PasswordHash) {
		return nil, ErrBadPassword
	}
	return user, nil
}

// currentUser はセッションが参照する利用者を読み込みます。
// 利用者が存在しなくなっていた場合はセッションを破棄して auth.ErrUnauthorized を返します。
func (h *Handler) currentUser(c *gin.Context) (*users.User, error) {
	identity, ok := auth.CurrentIdentity(c)
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	user, err := h.users.FindByID(c.Request.Context(), identity.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if err := h.auth.SignOut(c); err != nil {
			h.logger.Printf("failed to clear stale session: %v", err)
		}
		return nil, auth.ErrUnauthorized
	}
	return user, nil
}

func (h *Handler) renderForm(c *gin.Context, status int, name, title string, notices []string) {
	flashes := append(popFlashes(c), notices...)
	token, err := h.auth.CSRFToken(c)
	if err != nil {
		respondWithError(c, h.logger, fmt.Errorf("CSRF トークンの生成に失敗しました: %w", err))
		return
	}
	_, loggedIn := h.auth.Resolve(c)
	c.HTML(status, name, gin.H{
		"title":     title,
		"loggedIn":  loggedIn,
		"flashes":   flashes,
		"csrfToken": token,
	})
}

func (h *Handler) redirectWithFlash(c *gin.Context, location, message string) {
	session := sessions.Default(c)
	session.AddFlash(message)
	if err := session.Save(); err != nil {
		respondWithError(c, h.logger, fmt.Errorf("failed to save session: %w", err))
		return
	}
	c.Redirect(http.StatusFound, location)
}

func popFlashes(c *gin.Context) []string {
	session := sessions.Default(c)
	raw := session.Flashes()
	if len(raw) == 0 {
		return nil
	}
	_ = session.Save()

	flashes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			flashes = append(flashes, s)
		}
	}
	return flashes
}

// normalizeEmail は前後の空白を除き小文字に揃えます。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// respondWithError はエラーを HTTP レスポンスに変換します。
func respondWithError(c *gin.Context, logger *log.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
	case errors.Is(err, context.Canceled):
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		logger.Printf("request failed path=%s: %v", c.Request.URL.Path, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

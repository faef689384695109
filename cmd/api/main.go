// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/secrets-vault/internal/auth"
	"github.com/yourusername/secrets-vault/internal/config"
	"github.com/yourusername/secrets-vault/internal/password"
	"github.com/yourusername/secrets-vault/internal/storage"
	"github.com/yourusername/secrets-vault/internal/users"
	"github.com/yourusername/secrets-vault/internal/web"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

// run はサーバーを起動し、終了シグナルまたは起動失敗まで待機します。
// 戻る前に defer したリソースを解放します。
func run() error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	logger := log.Default()

	secret, err := sessionSecret(cfg)
	if err != nil {
		return fmt.Errorf("failed to prepare session secret: %w", err)
	}

	store, err := users.Open(users.Config{
		Type:        users.DatabaseType(cfg.DBType),
		SQLitePath:  cfg.DBPath,
		PostgresDSN: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	defer store.Close()

	registry, closeRegistry, err := setupSessionRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up session registry: %w", err)
	}
	defer closeRegistry()

	asset, err := storage.OpenAsset(cfg.DownloadFile)
	if err != nil {
		return fmt.Errorf("failed to open download file: %w", err)
	}

	authManager := auth.NewManager(registry, auth.Options{
		MaxLifetime: cfg.SessionMaxAge,
		IdleTimeout: cfg.SessionIdleTimeout,
	}, logger)

	hasher := password.NewHasher(cfg.PasswordIterations, cfg.PasswordSaltLength)
	handler, err := web.NewHandler(store, hasher, authManager, asset, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}

	router, err := web.NewRouter(handler, web.RouterOptions{
		SessionStore:       auth.NewCookieStore(secret, authManager.MaxAgeSeconds(), cfg.IsRelease()),
		CORSAllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting server on %s (mode: %s)", addr, cfg.GinMode)
	return serve(ctx, srv)
}

// serve は ctx が終了するまでリクエストを処理し、その後グレースフルに停止します。
// 待ち受けに失敗した場合はエラーを返します。
func serve(ctx context.Context, srv *http.Server) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Printf("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	return nil
}

// splitOrigins はカンマ区切りのオリジン一覧を配列に変換します。
func splitOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

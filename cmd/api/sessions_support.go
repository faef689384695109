package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/secrets-vault/internal/auth"
	"github.com/yourusername/secrets-vault/internal/config"
)

// setupSessionRegistry は SESSION_REDIS_URL があれば Redis、なければプロセス内のレジストリを返します。
func setupSessionRegistry(cfg *config.Config) (auth.Registry, func(), error) {
	if cfg.SessionRedisURL == "" {
		log.Printf("SESSION_REDIS_URL is not set; sessions are kept in memory")
		return auth.NewMemoryRegistry(), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.SessionRedisURL)
	if err != nil {
		return nil, nil, err
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("failed to close redis client: %v", err)
		}
	}
	return auth.NewRedisRegistry(redisClient), closeFn, nil
}

// sessionSecret はクッキー署名鍵を返します。
// 開発モードで未設定の場合はプロセスごとに乱数で生成します（再起動でセッションは失効）。
func sessionSecret(cfg *config.Config) ([]byte, error) {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret), nil
	}
	if cfg.IsRelease() {
		return nil, fmt.Errorf("SESSION_SECRET is required in release mode")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	log.Printf("SESSION_SECRET is not set; using a random key for this process")
	return buf, nil
}

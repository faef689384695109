package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// Registry は有効なセッションIDとユーザーIDの対応を保持します。
// ログアウトで削除されたセッションは、クッキーが残っていても解決されません。
type Registry interface {
	Register(ctx context.Context, sessionID string, userID uint, ttl time.Duration) error
	Lookup(ctx context.Context, sessionID string) (uint, bool, error)
	Revoke(ctx context.Context, sessionID string) error
}

// RedisRegistry はセッションを Redis に保存します。
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry は RedisRegistry を作成します。
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// Register はセッションを登録します。ttl 経過後は自動で失効します。
func (r *RedisRegistry) Register(ctx context.Context, sessionID string, userID uint, ttl time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	return r.rdb.Set(ctx, sessionKey(sessionID), strconv.FormatUint(uint64(userID), 10), ttl).Err()
}

// Lookup はセッションに紐づくユーザーIDを返します。
func (r *RedisRegistry) Lookup(ctx context.Context, sessionID string) (uint, bool, error) {
	if sessionID == "" {
		return 0, false, nil
	}
	value, err := r.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, err
	}
	id, err := strconv.ParseUint(value, 10, 0)
	if err != nil {
		return 0, false, fmt.Errorf("corrupted session entry: %w", err)
	}
	return uint(id), true, nil
}

// Revoke はセッションを削除します。
func (r *RedisRegistry) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return r.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

type memoryEntry struct {
	userID    uint
	expiresAt time.Time
}

// MemoryRegistry はプロセス内でセッションを管理します。単一プロセス構成と開発用です。
type MemoryRegistry struct {
	lock    sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryRegistry は MemoryRegistry を作成します。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, sessionID string, userID uint, ttl time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.now()
	r.purgeExpired(now)
	r.entries[sessionID] = memoryEntry{
		userID:    userID,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, sessionID string) (uint, bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.entries[sessionID]
	if !ok {
		return 0, false, nil
	}
	if !r.now().Before(entry.expiresAt) {
		delete(r.entries, sessionID)
		return 0, false, nil
	}
	return entry.userID, true, nil
}

func (r *MemoryRegistry) Revoke(ctx context.Context, sessionID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.entries, sessionID)
	return nil
}

func (r *MemoryRegistry) purgeExpired(now time.Time) {
	for id, entry := range r.entries {
		if !now.Before(entry.expiresAt) {
			delete(r.entries, id)
		}
	}
}

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "linkvault:lock:"

// releaseScript は自分のトークンが格納されている場合のみキーを削除する。
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker はRedisの SET NX PX によるロック。複数プロセス間で有効。
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLocker はRedis URLからRedisLockerを生成し、接続を確認する。
func NewRedisLocker(ctx context.Context, redisURL string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisLocker{client: client, keyPrefix: defaultKeyPrefix}, nil
}

// Close はRedis接続を閉じる。
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Acquire はロックを取得する。
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := l.keyPrefix + key
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func() {
		// リクエストのキャンセル後も解放できるよう独立したコンテキストを使う
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{k}, token).Err(); err != nil {
			slog.Warn("failed to release lock",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// compile-time interface check
var _ Locker = (*RedisLocker)(nil)

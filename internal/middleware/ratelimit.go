package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/linkvault/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	ProvisionRate   rate.Limit    // 商品作成・購入URL取得のレート（req/sec）
	ProvisionBurst  int           // 商品作成・購入URL取得のバーストサイズ
	CleanupInterval time.Duration // 使われていないリミッターを捨てる間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、Whop APIを呼び出す操作 10 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		ProvisionRate:   rate.Limit(10.0 / 60.0),
		ProvisionBurst:  10,
		CleanupInterval: 5 * time.Minute,
	}
}

// limiterPool は1種類の制限についてユーザーごとのトークンバケットを保持する。
type limiterPool struct {
	kind  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(kind string, limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		kind:    kind,
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// allow はユーザーのバケットからトークンを1つ消費できたかを返す。
func (p *limiterPool) allow(userID string, now time.Time) bool {
	p.mu.Lock()
	b, ok := p.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[userID] = b
	}
	b.lastSeen = now
	p.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// evictBefore はcutoffより前から使われていないバケットを削除する。
func (p *limiterPool) evictBefore(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for userID, b := range p.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(p.buckets, userID)
			evicted++
		}
	}
	return evicted
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

// RateLimiter はユーザー単位のレート制限を提供する。
// API全般と、Whop APIを呼び出すプロビジョニング操作とで別々のバケットを持つ。
type RateLimiter struct {
	general   *limiterPool
	provision *limiterPool
	idleAfter time.Duration
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter はRateLimiterを生成し、使われなくなったバケットの掃除を開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	interval := config.CleanupInterval
	if interval <= 0 {
		interval = DefaultRateLimiterConfig().CleanupInterval
	}
	rl := &RateLimiter{
		general:   newLimiterPool("general", config.GeneralRate, config.GeneralBurst),
		provision: newLimiterPool("provisioning", config.ProvisionRate, config.ProvisionBurst),
		idleAfter: 2 * interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	go rl.sweepEvery(interval)
	return rl
}

// Stop は掃除用のゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// IdentityMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general)
}

// ProvisioningMiddleware は商品作成と購入URL取得のレート制限ミドルウェアを返す。
func (rl *RateLimiter) ProvisioningMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.provision)
}

// GeneralLimiterCount は保持しているAPI全般のバケット数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.size() }

// ProvisionLimiterCount は保持しているプロビジョニング用のバケット数を返す。
func (rl *RateLimiter) ProvisionLimiterCount() int { return rl.provision.size() }

func (rl *RateLimiter) middleware(pool *limiterPool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError(err.Error()))
				return
			}
			if !pool.allow(userID, rl.now()) {
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", pool.kind),
					slog.String("path", r.URL.Path),
				)
				writeTooManyRequests(w, pool.limit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep はidleAfterより長く使われていないバケットを両方のプールから削除する。
func (rl *RateLimiter) sweep() {
	cutoff := rl.now().Add(-rl.idleAfter)
	evicted := rl.general.evictBefore(cutoff) + rl.provision.evictBefore(cutoff)
	if evicted > 0 {
		slog.Debug("rate limiter buckets evicted", slog.Int("count", evicted))
	}
}

// writeTooManyRequests は429をRetry-After付きで返す。
// Retry-Afterはトークンが1つ補充されるまでの秒数（切り上げ、最低1秒）。
func writeTooManyRequests(w http.ResponseWriter, limit rate.Limit) {
	retryAfter := 1
	if limit > 0 {
		retryAfter = max(1, int(math.Ceil(1/float64(limit))))
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimit,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Hint:     fmt.Sprintf("%d秒後に再度お試しください。", retryAfter),
		Action:   model.ActionRetry,
	})
}

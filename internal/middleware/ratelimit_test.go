package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
)

func newUserRequest(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(ContextWithUser(req.Context(), &model.User{ID: userID}))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		ProvisionRate:   1,
		ProvisionBurst:  10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/products", "user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		ProvisionRate:   1,
		ProvisionBurst:  10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), newUserRequest(http.MethodGet, "/api/products", "user-retry"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/products", "user-retry"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeRateLimit || body.Action != model.ActionRetry {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRateLimitMiddleware_PerUserIsolation(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		ProvisionRate:   1,
		ProvisionBurst:  1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), newUserRequest(http.MethodGet, "/", "user-A"))

	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, newUserRequest(http.MethodGet, "/", "user-A"))
	if wA.Code != http.StatusTooManyRequests {
		t.Errorf("user-A status = %d, want 429", wA.Code)
	}

	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, newUserRequest(http.MethodGet, "/", "user-B"))
	if wB.Code != http.StatusOK {
		t.Errorf("user-B status = %d, want 200", wB.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestRateLimitMiddleware_NoUser_Returns401(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- ProvisioningMiddleware のテスト ---

func TestProvisioningMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		ProvisionRate:   1,
		ProvisionBurst:  1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(rl.ProvisioningMiddleware()(okHandler()))

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, newUserRequest(http.MethodPost, "/api/products/create-with-plan", "user-p"))
	if w1.Code != http.StatusOK {
		t.Errorf("first status = %d, want 200", w1.Code)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, newUserRequest(http.MethodPost, "/api/products/create-with-plan", "user-p"))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", w2.Code)
	}

	// API全般の制限にはまだ余裕がある
	general := rl.GeneralMiddleware()(okHandler())
	w3 := httptest.NewRecorder()
	general.ServeHTTP(w3, newUserRequest(http.MethodGet, "/api/products", "user-p"))
	if w3.Code != http.StatusOK {
		t.Errorf("general status = %d, want 200", w3.Code)
	}
	if rl.ProvisionLimiterCount() != 1 {
		t.Errorf("ProvisionLimiterCount = %d, want 1", rl.ProvisionLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		ProvisionRate:   1,
		ProvisionBurst:  1,
		CleanupInterval: time.Hour,
	})
	defer rl.Stop()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	rl.now = func() time.Time { return now }

	rl.general.allow("user-old", base)
	rl.provision.allow("user-old", base)
	rl.general.allow("user-new", base.Add(3*time.Hour))

	now = base.Add(3 * time.Hour)
	rl.sweep()

	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", rl.GeneralLimiterCount())
	}
	if rl.ProvisionLimiterCount() != 0 {
		t.Errorf("ProvisionLimiterCount = %d, want 0", rl.ProvisionLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.GeneralBurst != 120 || cfg.ProvisionBurst != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkvault/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Sessions    SessionIssuer
	AuthConfig  AuthHandlerConfig

	// 商品・アップロード
	ProductService ProductServiceInterface
	Uploads        UploadPresigner
	UploadURLTTL   time.Duration

	// Webhook
	WebhookIngestor WebhookIngestor
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → Identity → RateLimit(General)
//
// OAuthフロー、Webhook、ヘルスチェック、メトリクスは認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rateLimiter := deps.RateLimiter
	if rateLimiter == nil {
		rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.AuthConfig)
	productHandler := NewProductHandler(deps.ProductService)
	uploadHandler := NewUploadHandler(deps.Uploads, deps.UploadURLTTL)
	webhookHandler := NewWebhookHandler(deps.WebhookIngestor)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// OAuthフロー
	r.Get("/api/auth/login", authHandler.Login)
	r.Get("/api/auth/callback", authHandler.Callback)
	r.Post("/api/auth/logout", authHandler.Logout)

	// Webhook（署名で認証する）
	r.Post("/api/webhooks/whop", webhookHandler.Receive)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.Authenticator))
		r.Use(rateLimiter.GeneralMiddleware())

		r.Get("/api/auth/me", authHandler.Me)

		r.Post("/api/uploads/presign", uploadHandler.Presign)

		r.Route("/api/products", func(r chi.Router) {
			r.Get("/", productHandler.List)
			// Whop APIを呼び出すルートにはプロビジョニング用のレート制限を追加
			r.With(rateLimiter.ProvisioningMiddleware()).Post("/create-with-plan", productHandler.CreateWithPlan)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", productHandler.Get)
				r.Delete("/", productHandler.Delete)
				r.With(rateLimiter.ProvisioningMiddleware()).Post("/checkout", productHandler.Checkout)
				r.Get("/download", productHandler.Download)
			})
		})
	})

	return r
}

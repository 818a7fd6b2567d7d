package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/linkvault/internal/auth"
	"github.com/hitoshi/linkvault/internal/config"
	"github.com/hitoshi/linkvault/internal/database"
	"github.com/hitoshi/linkvault/internal/handler"
	"github.com/hitoshi/linkvault/internal/lock"
	"github.com/hitoshi/linkvault/internal/logger"
	"github.com/hitoshi/linkvault/internal/metrics"
	"github.com/hitoshi/linkvault/internal/middleware"
	"github.com/hitoshi/linkvault/internal/product"
	"github.com/hitoshi/linkvault/internal/repository"
	"github.com/hitoshi/linkvault/internal/security"
	"github.com/hitoshi/linkvault/internal/storage"
	"github.com/hitoshi/linkvault/internal/webhook"
	"github.com/hitoshi/linkvault/internal/whop"
	"github.com/hitoshi/linkvault/internal/worker/cleanup"
	webhookworker "github.com/hitoshi/linkvault/internal/worker/webhook"
)

const (
	dbConnectTimeout   = 10 * time.Second
	upstreamTimeout    = 15 * time.Second
	shutdownTimeout    = 30 * time.Second
	cleanupInterval    = 24 * time.Hour
	sessionMaxAgeInSec = 30 * 24 * 60 * 60
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if !inv.NeedsConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(inv.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch inv.Command {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, inv.Args)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	companyRepo := repository.NewPostgresCompanyRepo(db)
	productRepo := repository.NewPostgresProductRepo(db)
	purchaseRepo := repository.NewPostgresPurchaseRepo(db)
	eventRepo := repository.NewPostgresWebhookEventRepo(db)

	// 3. メトリクス
	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	// 4. Whop連携
	httpClient := &http.Client{Timeout: upstreamTimeout}
	whopClient := whop.NewClient(cfg.Whop.APIBaseURL, httpClient)
	oauthProvider := auth.NewWhopOAuthProvider(auth.WhopOAuthConfig{
		ClientID:     cfg.Whop.ClientID,
		ClientSecret: cfg.Whop.ClientSecret,
		RedirectURL:  cfg.Whop.RedirectURL,
		AuthURL:      cfg.Whop.AuthorizeURL,
		TokenURL:     cfg.Whop.TokenURL,
		HTTPClient:   httpClient,
	})
	authService := auth.NewService(oauthProvider, whopClient, userRepo, companyRepo, auth.ServiceConfig{
		ProductContainerName: cfg.Whop.ProductContainerName,
	})
	refresher := auth.NewTokenRefresher(oauthProvider, companyRepo, collector)

	// 5. リクエスト認証（iframeトークン → セッションCookie）
	var verifier auth.TokenVerifier
	if cfg.Whop.JWTPublicKey != "" {
		v, err := auth.NewIframeTokenVerifier(cfg.Whop.JWTPublicKey, cfg.Whop.AppID)
		if err != nil {
			return fmt.Errorf("failed to load iframe token key: %w", err)
		}
		verifier = v
	} else {
		slog.Warn("WHOP_JWT_PUBLIC_KEY is not set; iframe user tokens will be rejected")
	}
	sessions := auth.NewSessionSigner(sessionSecret(cfg))
	authenticator := auth.NewRequestAuthenticator(verifier, authService, sessions, userRepo)

	// 6. 購入URL作成のロック
	locker, closeLocker, err := newLocker(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeLocker()

	// 7. オブジェクトストレージ（未設定の場合はアップロード・ダウンロードが設定エラーになる）
	var files product.FileStore
	var uploads handler.UploadPresigner
	if cfg.Storage.Configured() {
		store, err := storage.NewR2Store(storage.Config{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Bucket:          cfg.Storage.Bucket,
			PublicBase:      cfg.Storage.PublicBase,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		files = store
		uploads = store
	} else {
		slog.Warn("object storage is not configured; uploads and downloads are disabled")
	}

	// 8. ドメインサービスの初期化
	productService := product.NewService(product.Deps{
		Products:  productRepo,
		Purchases: purchaseRepo,
		Users:     userRepo,
		Companies: companyRepo,
		Whop:      whopClient,
		Tokens:    refresher,
		Locker:    locker,
		Files:     files,
		Sanitizer: security.NewContentSanitizer(),
		Images:    security.NewImageURLChecker(cfg.CoverImageProbeTimeout),
		Recorder:  collector,
	}, product.Config{
		AppAPIKey:            cfg.Whop.APIKey,
		ProductContainerName: cfg.Whop.ProductContainerName,
		BaseURL:              cfg.BaseURL,
		LockTTL:              cfg.ProvisioningLockTTL,
		DownloadURLTTL:       cfg.DownloadURLTTL,
	})

	if cfg.Whop.WebhookSecret == "" {
		slog.Warn("WHOP_WEBHOOK_SECRET is not set; webhooks will be rejected with 500")
	}
	ingestor := webhook.NewIngestor(webhook.NewVerifier(cfg.Whop.WebhookSecret), eventRepo, collector)

	// 9. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Authenticator:     authenticator,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		Sessions:    sessions,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:         cfg.BaseURL,
			CookieSecure:    cfg.CookieSecure,
			SessionMaxAge:   sessionMaxAgeInSec,
			OAuthConfigured: cfg.Whop.OAuthConfigured(),
		},

		ProductService: productService,
		Uploads:        uploads,
		UploadURLTTL:   cfg.UploadURLTTL,

		WebhookIngestor: ingestor,
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// Webhookキューの処理、古いイベントの削除、メトリクス公開を並行して実行し、
// コンテキストがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	purchaseRepo := repository.NewPostgresPurchaseRepo(db)
	eventRepo := repository.NewPostgresWebhookEventRepo(db)

	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	// 3. ジョブの初期化
	processor := webhook.NewProcessor(eventRepo, userRepo, purchaseRepo, collector, cfg.WebhookBatchSize)
	scheduler := webhookworker.NewScheduler(processor, slog.Default(), cfg.WebhookBatchSize)
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), cfg.WebhookRetentionDays)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/health", handler.NewHealthHandler(db))
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.WebhookPollInterval),
		slog.Int("batch_size", cfg.WebhookBatchSize),
		slog.Int("retention_days", cfg.WebhookRetentionDays),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx, cfg.WebhookPollInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cleanupInterval)
		return nil
	})
	g.Go(func() error {
		return serveUntilDone(gctx, metricsServer, "worker metrics server")
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// args: なし/up（全適用）、down [n]（n件取り消し、既定1）、version（現在のバージョン表示）。
func runMigrate(cfg *config.Config, args []string) error {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}

	slog.Info("running database migrations",
		slog.String("action", action),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case "up":
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid rollback steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("current migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// serveUntilDone はサーバーを起動し、コンテキストがキャンセルされたらシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	slog.Info(name + " stopped gracefully")
	return nil
}

// newLocker はREDIS_URLが設定されていればRedisロック、無ければプロセス内ロックを返す。
func newLocker(ctx context.Context, redisURL string) (lock.Locker, func(), error) {
	if redisURL == "" {
		slog.Warn("REDIS_URL is not set; provisioning lock is process-local")
		return lock.NewMemoryLocker(), func() {}, nil
	}
	l, err := lock.NewRedisLocker(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return l, func() {
		if err := l.Close(); err != nil {
			slog.Warn("failed to close redis", slog.String("error", err.Error()))
		}
	}, nil
}

// newRegistry はGo・プロセスのメトリクスを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// sessionSecret はセッションCookieの署名鍵を返す。
// OAuthクライアントシークレットを優先し、無ければアプリのAPIキーを使う。
func sessionSecret(cfg *config.Config) string {
	if cfg.Whop.ClientSecret != "" {
		return cfg.Whop.ClientSecret
	}
	return cfg.Whop.APIKey
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

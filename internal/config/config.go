// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// .envファイルがあれば読み込む（存在しない場合は無視）
	_ = godotenv.Load()
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `envconfig:"DATABASE_URL"`

	Whop    WhopConfig
	Storage R2Config `ignored:"true"`

	// Redis（未設定の場合はプロセス内ロックで代替する）
	RedisURL string `envconfig:"REDIS_URL"`

	// Server
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
	// WorkerMetricsPort はworkerプロセスが/metricsを公開するポート。
	WorkerMetricsPort string `envconfig:"WORKER_METRICS_PORT" default:"9091"`
	BaseURL           string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// CORS
	CORSAllowedOrigin string `envconfig:"CORS_ALLOWED_ORIGIN" default:"http://localhost:3000"`

	// Rate Limit（req/min/user）
	RateLimitGeneral int `envconfig:"RATE_LIMIT_GENERAL" default:"120"`

	// Webhook queue
	WebhookPollInterval    time.Duration `envconfig:"WEBHOOK_POLL_INTERVAL" default:"5s"`
	WebhookBatchSize       int           `envconfig:"WEBHOOK_BATCH_SIZE" default:"50"`
	WebhookRetentionDays   int           `envconfig:"WEBHOOK_RETENTION_DAYS" default:"30"`
	ProvisioningLockTTL    time.Duration `envconfig:"PROVISIONING_LOCK_TTL" default:"30s"`
	DownloadURLTTL         time.Duration `envconfig:"DOWNLOAD_URL_TTL" default:"15m"`
	UploadURLTTL           time.Duration `envconfig:"UPLOAD_URL_TTL" default:"15m"`
	CoverImageProbeTimeout time.Duration `envconfig:"COVER_IMAGE_PROBE_TIMEOUT" default:"5s"`

	// Cookie
	CookieSecure bool `ignored:"true"`
}

// WhopConfig はWhopプラットフォーム連携の設定。
type WhopConfig struct {
	ClientID      string `envconfig:"WHOP_CLIENT_ID"`
	ClientSecret  string `envconfig:"WHOP_CLIENT_SECRET"`
	APIKey        string `envconfig:"WHOP_API_KEY"`
	AppID         string `envconfig:"WHOP_APP_ID"`
	RedirectURL   string `envconfig:"NEXT_PUBLIC_WHOP_REDIRECT_URL"`
	WebhookSecret string `envconfig:"WHOP_WEBHOOK_SECRET"`
	APIBaseURL    string `envconfig:"WHOP_API_BASE_URL" default:"https://api.whop.com"`
	AuthorizeURL  string `envconfig:"WHOP_OAUTH_AUTHORIZE_URL" default:"https://whop.com/oauth"`
	TokenURL      string `envconfig:"WHOP_OAUTH_TOKEN_URL" default:"https://api.whop.com/api/v2/oauth/token"`
	JWTPublicKey  string `envconfig:"WHOP_JWT_PUBLIC_KEY"`
	// ProductContainerName はプロダクトコンテナ作成時の固定名。
	ProductContainerName string `envconfig:"WHOP_PRODUCT_CONTAINER_NAME" default:"LinkVault Digital Goods"`
}

// OAuthConfigured はOAuthクライアント資格情報が揃っているかを返す。
func (w WhopConfig) OAuthConfigured() bool {
	return w.ClientID != "" && w.ClientSecret != "" && w.RedirectURL != ""
}

// R2Config はS3互換オブジェクトストレージ（Cloudflare R2）の設定。
// R2_* を優先し、未設定の項目のみ旧名 FILE_* から補完する。
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBase      string
	Endpoint        string
}

// Configured はストレージの必須項目が揃っているかを返す。
func (r R2Config) Configured() bool {
	return r.Endpoint != "" && r.AccessKeyID != "" && r.SecretAccessKey != "" && r.Bucket != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	// 旧名のリダイレクトURL
	if cfg.Whop.RedirectURL == "" {
		cfg.Whop.RedirectURL = os.Getenv("WHOP_REDIRECT_URL")
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.Storage = resolveR2Config(os.Getenv)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if cfg.RateLimitGeneral <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_GENERAL must be positive: %d", cfg.RateLimitGeneral)
	}
	if cfg.WebhookBatchSize <= 0 {
		return nil, fmt.Errorf("WEBHOOK_BATCH_SIZE must be positive: %d", cfg.WebhookBatchSize)
	}

	return cfg, nil
}

// resolveR2Config はR2_* > FILE_* の優先順位でストレージ設定を解決する。
// エンドポイント未指定の場合はアカウントIDから導出する。
func resolveR2Config(getenv func(string) string) R2Config {
	pick := func(suffix string) string {
		if v := getenv("R2_" + suffix); v != "" {
			return v
		}
		return getenv("FILE_" + suffix)
	}

	r := R2Config{
		AccountID:       pick("ACCOUNT_ID"),
		AccessKeyID:     pick("ACCESS_KEY_ID"),
		SecretAccessKey: pick("SECRET_ACCESS_KEY"),
		Bucket:          pick("BUCKET"),
		PublicBase:      strings.TrimRight(pick("PUBLIC_BASE"), "/"),
		Endpoint:        pick("ENDPOINT"),
	}
	if r.Endpoint == "" && r.AccountID != "" {
		r.Endpoint = r.AccountID + ".r2.cloudflarestorage.com"
	}
	r.Endpoint = strings.TrimPrefix(strings.TrimPrefix(r.Endpoint, "https://"), "http://")
	return r
}

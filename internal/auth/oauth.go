package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultWhopAuthURL  = "https://whop.com/oauth"
	defaultWhopTokenURL = "https://api.whop.com/api/v2/oauth/token"
)

// TokenSet は認可コード交換またはリフレッシュで得たトークンの組。
// ExpiresAtがゼロ値の場合、有効期限は不明（失効しない）として扱う。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExpiresInSeconds はnowから見た残り有効秒数を返す。有効期限不明の場合は0。
func (t *TokenSet) ExpiresInSeconds(now time.Time) int64 {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return int64(t.ExpiresAt.Sub(now).Seconds())
}

// TokenExchangeError は認可コード交換の失敗を表す。
// Statusは上流のHTTPステータス（通信エラーの場合は0）、Bodyは上流のレスポンスボディ。
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed (status %d): %s", e.Status, e.Body)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError はアクセストークンのリフレッシュ失敗を表す。
// 呼び出し元にとって致命的であり、リトライしない。
type TokenRefreshError struct {
	Status int
	Body   string
	Reason string
	Err    error
}

func (e *TokenRefreshError) Error() string {
	if e.Reason != "" {
		return "token refresh failed: " + e.Reason
	}
	return fmt.Sprintf("token refresh failed (status %d): %s", e.Status, e.Body)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)
	// Refresh はリフレッシュトークンで新しいトークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// WhopOAuthConfig はWhop OAuthプロバイダーの設定。
type WhopOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// HTTPClient はトークンエンドポイント呼び出しに使うクライアント（nilの場合はデフォルト）。
	HTTPClient *http.Client
}

// WhopOAuthProvider はWhop OAuth 2.0による認可コード交換とリフレッシュを提供する。
// クライアント資格情報はリクエストボディで送信する。
type WhopOAuthProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewWhopOAuthProvider はWhopOAuthProviderを生成する。
func NewWhopOAuthProvider(cfg WhopOAuthConfig) *WhopOAuthProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultWhopAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultWhopTokenURL
	}
	return &WhopOAuthProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.HTTPClient,
	}
}

// GetLoginURL はWhop OAuthの認証URLを生成する。
func (p *WhopOAuthProvider) GetLoginURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeCode は grant_type=authorization_code で認可コードをトークンに交換する。
// 非2xxの場合は*TokenExchangeErrorを返す。
func (p *WhopOAuthProvider) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := p.config.Exchange(p.withClient(ctx), code)
	if err != nil {
		status, body := retrieveErrorDetails(err)
		return nil, &TokenExchangeError{Status: status, Body: body, Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &TokenExchangeError{Status: http.StatusOK, Body: "empty access token in response"}
	}
	return toTokenSet(tok, ""), nil
}

// Refresh は grant_type=refresh_token で新しいトークンを取得する。
// レスポンスに新しいリフレッシュトークンが含まれない場合は既存の値を引き継ぐ。
func (p *WhopOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, &TokenRefreshError{Reason: "no refresh token stored"}
	}
	// AccessTokenを空にしたトークンは常に無効と判定され、即座にリフレッシュされる
	src := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		status, body := retrieveErrorDetails(err)
		return nil, &TokenRefreshError{Status: status, Body: body, Err: err}
	}
	return toTokenSet(tok, refreshToken), nil
}

func (p *WhopOAuthProvider) withClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func toTokenSet(tok *oauth2.Token, previousRefresh string) *TokenSet {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    tok.Expiry,
	}
}

// retrieveErrorDetails はoauth2.RetrieveErrorから上流のステータスとボディを取り出す。
func retrieveErrorDetails(err error) (int, string) {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return status, string(rErr.Body)
	}
	return 0, err.Error()
}

// compile-time interface check
var _ OAuthProvider = (*WhopOAuthProvider)(nil)

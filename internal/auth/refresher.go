package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
)

// RefreshGracePeriod はリフレッシュを行わない残り有効期間の下限。
// 有効期限までこれより長く残っているトークンはそのまま使う。
const RefreshGracePeriod = 60 * time.Second

// CompanyTokenStore はリフレッシュ後のトークンを保存する先。
type CompanyTokenStore interface {
	UpdateTokens(ctx context.Context, companyID string, tokens model.TokenBundle) error
}

// TokenRefreshRecorder はリフレッシュ結果を記録する（メトリクス用）。
type TokenRefreshRecorder interface {
	RecordTokenRefresh(outcome string)
}

// TokenRefresher はカンパニーのOAuthトークンを必要な場合にのみリフレッシュする。
type TokenRefresher struct {
	oauth    OAuthProvider
	store    CompanyTokenStore
	recorder TokenRefreshRecorder
	now      func() time.Time
}

// NewTokenRefresher はTokenRefresherを生成する。recorderはnilでもよい。
func NewTokenRefresher(oauth OAuthProvider, store CompanyTokenStore, recorder TokenRefreshRecorder) *TokenRefresher {
	return &TokenRefresher{
		oauth:    oauth,
		store:    store,
		recorder: recorder,
		now:      time.Now,
	}
}

// EnsureFreshAccessToken はカンパニーの有効なアクセストークンを返す。
// 有効期限までRefreshGracePeriodより長く残っていればネットワーク呼び出しを行わない。
// それ以外はリフレッシュし、新しいトークンの組をカンパニーに保存してcompanyも更新する。
// リフレッシュトークンがない場合やリフレッシュ失敗時は*TokenRefreshErrorを返す。
func (r *TokenRefresher) EnsureFreshAccessToken(ctx context.Context, company *model.Company) (string, error) {
	tb := company.Tokens
	if tb != nil && tb.AccessToken != "" && !r.needsRefresh(tb.ExpiresAt) {
		r.record("skipped")
		return tb.AccessToken, nil
	}

	if tb == nil || tb.RefreshToken == "" {
		r.record("failed")
		return "", &TokenRefreshError{Reason: fmt.Sprintf("no refresh token stored for company %s", company.ID)}
	}

	fresh, err := r.oauth.Refresh(ctx, tb.RefreshToken)
	if err != nil {
		r.record("failed")
		slog.Error("token refresh failed",
			slog.String("company_id", company.ID),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	next := model.TokenBundle{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.ExpiresAt,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = tb.RefreshToken
	}

	if err := r.store.UpdateTokens(ctx, company.ID, next); err != nil {
		r.record("failed")
		return "", &TokenRefreshError{Reason: "failed to persist refreshed tokens", Err: err}
	}
	company.Tokens = &next

	r.record("refreshed")
	slog.Info("company token refreshed",
		slog.String("company_id", company.ID),
		slog.Time("expires_at", next.ExpiresAt),
	)
	return next.AccessToken, nil
}

// needsRefresh は有効期限がgrace period以内（または経過済み）かを判定する。
// 有効期限がゼロ値（不明）の場合もリフレッシュ対象とする。
func (r *TokenRefresher) needsRefresh(expiresAt time.Time) bool {
	return !expiresAt.After(r.now().Add(RefreshGracePeriod))
}

func (r *TokenRefresher) record(outcome string) {
	if r.recorder != nil {
		r.recorder.RecordTokenRefresh(outcome)
	}
}

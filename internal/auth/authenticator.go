package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/repository"
)

// TokenVerifier はiframeユーザートークンを検証する。
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

// IframeUserResolver はiframeトークンの利用者をローカルユーザーに解決する。
type IframeUserResolver interface {
	ResolveIframeUser(ctx context.Context, id Identity) (*model.User, error)
}

// RequestAuthenticator はHTTPリクエストから認証済みユーザーを特定する。
// iframeトークンヘッダーを優先し、無ければ署名付きセッションCookieを使う。
type RequestAuthenticator struct {
	verifier TokenVerifier
	resolver IframeUserResolver
	sessions *SessionSigner
	userRepo repository.UserRepository
}

// NewRequestAuthenticator はRequestAuthenticatorを生成する。
// verifierがnilの場合、iframeトークンは受け付けない。
func NewRequestAuthenticator(
	verifier TokenVerifier,
	resolver IframeUserResolver,
	sessions *SessionSigner,
	userRepo repository.UserRepository,
) *RequestAuthenticator {
	return &RequestAuthenticator{
		verifier: verifier,
		resolver: resolver,
		sessions: sessions,
		userRepo: userRepo,
	}
}

// Authenticate はリクエストのユーザーを返す。
// 認証情報が無い・不正な場合は*model.APIErrorを返す。
func (a *RequestAuthenticator) Authenticate(r *http.Request) (*model.User, error) {
	ctx := r.Context()

	if token := r.Header.Get(IframeTokenHeader); token != "" {
		if a.verifier == nil {
			return nil, model.NewConfigurationError("WHOP_JWT_PUBLIC_KEY")
		}
		id, err := a.verifier.Verify(token)
		if err != nil {
			slog.Warn("iframe token rejected", slog.String("error", err.Error()))
			return nil, model.NewAuthenticationError("invalid whop user token")
		}
		user, err := a.resolver.ResolveIframeUser(ctx, *id)
		if err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) {
				return nil, apiErr
			}
			return nil, fmt.Errorf("failed to resolve iframe user: %w", err)
		}
		return user, nil
	}

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, model.NewAuthenticationError("no session")
	}
	whopUserID, ok := a.sessions.Verify(cookie.Value)
	if !ok {
		return nil, model.NewAuthenticationError("invalid session cookie")
	}
	user, err := a.userRepo.FindByWhopUserID(ctx, whopUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session user: %w", err)
	}
	if user == nil {
		return nil, model.NewAuthenticationError("session user not found")
	}
	return user, nil
}

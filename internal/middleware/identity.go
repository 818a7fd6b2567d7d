// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkvault/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
	userContextKey = contextKey("user")
	// requestStateContextKey はロギングミドルウェアが内側のミドルウェアから情報を受け取るためのキー。
	requestStateContextKey = contextKey("request_state")
)

// requestState はロギングミドルウェアが作成し、内側で判明したユーザーIDを受け取る。
type requestState struct {
	userID string
}

// Authenticator はリクエストから利用者を解決するインターフェース。
type Authenticator interface {
	Authenticate(r *http.Request) (*model.User, error)
}

// NewIdentityMiddleware はiframeトークンまたはセッションCookieから利用者を解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// 解決できないリクエストには401を返す。
func NewIdentityMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authenticator.Authenticate(r)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					status := http.StatusUnauthorized
					if apiErr.Code == model.ErrCodeConfiguration {
						status = http.StatusInternalServerError
					}
					WriteErrorResponse(w, status, apiErr)
					return
				}
				slog.Error("failed to authenticate request",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError("no identity"))
				return
			}

			if state, ok := r.Context().Value(requestStateContextKey).(*requestState); ok {
				state.userID = user.ID
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
// IdentityMiddlewareを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, fmt.Errorf("user not found in context")
	}
	return user, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, err := UserFromContext(ctx)
	if err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/linkvault/internal/auth"
	"github.com/hitoshi/linkvault/internal/middleware"
	"github.com/hitoshi/linkvault/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*auth.CallbackResult, error)
}

// SessionIssuer はセッションCookieの値を発行する。
type SessionIssuer interface {
	Sign(whopUserID string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はコールバック後のリダイレクト先。
	BaseURL         string
	CookieSecure    bool
	SessionMaxAge   int // セッションCookieの有効期間（秒）
	OAuthConfigured bool
}

// AuthHandler はWhop OAuth連携関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionIssuer
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionIssuer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		config:   config,
	}
}

// Login はWhop OAuthフローを開始する。
// GET /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.config.OAuthConfigured {
		handleServiceError(w, model.NewConfigurationError("WHOP_CLIENT_ID"))
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// 結果はBaseURLへのリダイレクトのクエリ（success=true&userId=... または error=<code>）で返す。
// GET /api/auth/callback?code=xxx&state=yyy&error=zzz
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.config.OAuthConfigured {
		handleServiceError(w, model.NewConfigurationError("WHOP_CLIENT_SECRET"))
		return
	}

	q := r.URL.Query()

	// 1. 認可サーバーからのエラー
	if e := q.Get("error"); e != "" {
		slog.Warn("oauth authorization denied", slog.String("error", e))
		h.redirectResult(w, r, url.Values{"error": {e}})
		return
	}

	// 2. stateの検証（CSRF対策）
	state := q.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		h.redirectResult(w, r, url.Values{"error": {"invalid_state"}})
		return
	}
	h.clearCookie(w, oauthStateCookie)

	// 3. 認可コードの取得
	code := q.Get("code")
	if code == "" {
		h.redirectResult(w, r, url.Values{"error": {"missing_code"}})
		return
	}

	// 4. 連携処理
	result, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.redirectResult(w, r, url.Values{"error": {callbackErrorCode(err)}})
		return
	}

	// 5. セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    h.sessions.Sign(result.User.WhopUserID),
		Path:     "/",
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	h.redirectResult(w, r, url.Values{
		"success": {"true"},
		"userId":  {result.User.ID},
	})
}

// Logout はセッションCookieを破棄する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w, auth.SessionCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// meResponse はログインユーザー情報のレスポンス。
type meResponse struct {
	ID         string `json:"id"`
	WhopUserID string `json:"whopUserId"`
	Role       string `json:"role"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	CompanyID  string `json:"companyId,omitempty"`
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:         user.ID,
		WhopUserID: user.WhopUserID,
		Role:       string(user.Role),
		Email:      user.Email,
		Name:       user.Name,
		CompanyID:  user.CompanyID,
	})
}

// redirectResult はBaseURLにクエリを付けてリダイレクトする。
func (h *AuthHandler) redirectResult(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := h.config.BaseURL
	if target == "" {
		target = "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		slog.Error("invalid base url", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusTemporaryRedirect)
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// callbackErrorCode はコールバック失敗をリダイレクト用のエラーコードに変換する。
func callbackErrorCode(err error) string {
	var exchangeErr *auth.TokenExchangeError
	if errors.As(err, &exchangeErr) {
		return "token_exchange_failed"
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.Code)
	}
	return "callback_failed"
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

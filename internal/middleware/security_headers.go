package middleware

import "net/http"

// frameAncestors はアプリをiframeで表示できる親オリジン。
const frameAncestors = "frame-ancestors 'self' https://whop.com https://*.whop.com"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// Whopのダッシュボードにiframeで埋め込まれるため、X-Frame-Optionsではなくframe-ancestorsで制限する。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Content-Security-Policy", frameAncestors)
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			next.ServeHTTP(w, r)
		})
	}
}

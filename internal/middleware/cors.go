package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"

	"github.com/hitoshi/linkvault/internal/auth"
)

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// allowedOriginはカンマ区切りで複数指定できる。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	var origins []string
	for _, o := range strings.Split(allowedOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			origins = append(origins, o)
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:       origins,
		AllowedMethods:       []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:       []string{"Accept", "Content-Type", auth.IframeTokenHeader},
		AllowCredentials:     true,
		MaxAge:               86400,
		OptionsSuccessStatus: http.StatusNoContent,
	})
}

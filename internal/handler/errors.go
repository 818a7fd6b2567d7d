package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkvault/internal/middleware"
	"github.com/hitoshi/linkvault/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをデコードする。
// 失敗時はVALIDATION_ERRORのレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("body", "request body must be valid JSON"))
		return false
	}
	return true
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// *model.APIError以外のエラーは詳細をログにのみ出力し、500を返す。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := mapAPIErrorToHTTPStatus(apiErr)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed",
				slog.String("code", apiErr.Code),
				slog.String("details", apiErr.Details),
			)
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	slog.Error("unexpected error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorのコードをHTTPステータスコードに変換する。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeAuthentication:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeProductInUse, model.ErrCodeProvisioningInProgress:
		return http.StatusConflict
	case model.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case model.ErrCodeUpstreamAPI, model.ErrCodeCheckoutUnavailable:
		// 上流の4xxはそのまま返し、それ以外は500とする
		if apiErr.UpstreamStatus >= 400 && apiErr.UpstreamStatus < 500 {
			return apiErr.UpstreamStatus
		}
		return http.StatusInternalServerError
	case model.ErrCodeUpstreamContract:
		return http.StatusBadGateway
	case model.ErrCodeConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

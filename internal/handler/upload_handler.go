package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/storage"
)

// UploadPresigner はアップロード用の署名付きURLを発行する。
type UploadPresigner interface {
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// UploadHandler はファイルアップロードのHTTPハンドラー。
type UploadHandler struct {
	presigner UploadPresigner
	ttl       time.Duration
}

// NewUploadHandler はUploadHandlerを生成する。
// presignerがnilの場合、リクエスト時にCONFIGURATION_ERRORを返す。
func NewUploadHandler(presigner UploadPresigner, ttl time.Duration) *UploadHandler {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &UploadHandler{presigner: presigner, ttl: ttl}
}

type presignRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type presignResponse struct {
	UploadURL string `json:"uploadUrl"`
	FileKey   string `json:"fileKey"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Presign はアップロード用の署名付きURLとファイルキーを返す。
// POST /api/uploads/presign
func (h *UploadHandler) Presign(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.presigner == nil {
		handleServiceError(w, model.NewConfigurationError("R2_BUCKET"))
		return
	}

	var req presignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		handleServiceError(w, model.NewValidationError("fileName", "is required"))
		return
	}

	key := storage.NewObjectKey(user.ID, req.FileName)
	uploadURL, err := h.presigner.PresignUpload(r.Context(), key, h.ttl)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, presignResponse{
		UploadURL: uploadURL,
		FileKey:   key,
		ExpiresIn: int64(h.ttl.Seconds()),
	})
}

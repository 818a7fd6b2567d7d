package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/webhook"
)

// maxWebhookBodyBytes はWebhookボディの上限。
const maxWebhookBodyBytes = 1 << 20

// WebhookIngestor は署名検証済みのWebhookをキューに保存する。
type WebhookIngestor interface {
	Ingest(ctx context.Context, signature string, body []byte) (duplicate bool, err error)
}

// WebhookHandler はWhop WebhookのHTTPハンドラー。
type WebhookHandler struct {
	ingestor WebhookIngestor
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// Receive はWebhookを受信する。
// 署名は生のボディに対して検証するため、デコード前のバイト列をそのまま渡す。
// 保存まで完了したら200を返し、決済の反映はワーカーが行う。
// POST /api/webhooks/whop
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		handleServiceError(w, model.NewValidationError("body", "request body is too large or unreadable"))
		return
	}

	duplicate, err := h.ingestor.Ingest(r.Context(), r.Header.Get(webhook.SignatureHeader), body)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"received":  true,
		"duplicate": duplicate,
	})
}

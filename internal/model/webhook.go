package model

import (
	"encoding/json"
	"time"
)

// WebhookEventStatus はキューに保存されたWebhookイベントの処理状態を表す。
type WebhookEventStatus string

const (
	WebhookStatusPending    WebhookEventStatus = "pending"
	WebhookStatusProcessing WebhookEventStatus = "processing"
	WebhookStatusProcessed  WebhookEventStatus = "processed"
	WebhookStatusSkipped    WebhookEventStatus = "skipped"
	WebhookStatusFailed     WebhookEventStatus = "failed"
)

// 処理対象のWebhookイベント種別
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentRefunded  = "payment.refunded"
)

// WebhookEvent は署名検証済みのWebhookイベントを表す。
// 受信時に同期的に保存され、ワーカーが非同期に処理する。
type WebhookEvent struct {
	ID          string
	EventID     string
	EventType   string
	Payload     json.RawMessage
	Status      WebhookEventStatus
	Error       string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

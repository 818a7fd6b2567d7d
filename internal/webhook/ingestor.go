package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/linkvault/internal/model"
)

// 受信結果（メトリクスのラベル）
const (
	ReceivedAccepted  = "accepted"
	ReceivedDuplicate = "duplicate"
	ReceivedRejected  = "rejected"
)

// EventStore は検証済みイベントの保存先。
type EventStore interface {
	Insert(ctx context.Context, event *model.WebhookEvent) (bool, error)
}

// ReceiveRecorder は受信結果を記録する。
type ReceiveRecorder interface {
	RecordWebhookReceived(result string)
}

// Ingestor はWebhookを検証し、キューに永続化する。
type Ingestor struct {
	verifier *Verifier
	store    EventStore
	recorder ReceiveRecorder
}

// NewIngestor はIngestorを生成する。recorderはnilでもよい。
func NewIngestor(verifier *Verifier, store EventStore, recorder ReceiveRecorder) *Ingestor {
	return &Ingestor{verifier: verifier, store: store, recorder: recorder}
}

// Ingest は署名を検証し、イベントをpendingとして保存する。
// 同一イベントが既に保存済みの場合はduplicate=trueで正常終了する。
// シークレット未設定はCONFIGURATION_ERROR、署名不一致と不正なペイロードはVALIDATION_ERRORを返す。
func (i *Ingestor) Ingest(ctx context.Context, signature string, body []byte) (duplicate bool, err error) {
	if err := i.verifier.Verify(signature, body); err != nil {
		i.record(ReceivedRejected)
		if errors.Is(err, ErrMissingSecret) {
			slog.Error("webhook rejected: secret not configured")
			return false, model.NewConfigurationError("WHOP_WEBHOOK_SECRET")
		}
		slog.Warn("webhook rejected: invalid signature",
			slog.Int("body_bytes", len(body)),
		)
		return false, model.NewValidationError(SignatureHeader, err.Error())
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		i.record(ReceivedRejected)
		return false, model.NewValidationError("body", err.Error())
	}
	eventID, err := resolveEventID(env)
	if err != nil {
		i.record(ReceivedRejected)
		slog.Warn("webhook rejected: no event id",
			slog.String("event_type", env.EventType()),
			slog.String("error", err.Error()),
		)
		return false, model.NewValidationError("data.id", err.Error())
	}

	event := &model.WebhookEvent{
		EventID:   eventID,
		EventType: env.EventType(),
		Payload:   json.RawMessage(body),
	}
	inserted, err := i.store.Insert(ctx, event)
	if err != nil {
		return false, fmt.Errorf("failed to store webhook event: %w", err)
	}
	if !inserted {
		i.record(ReceivedDuplicate)
		slog.Info("duplicate webhook event acknowledged",
			slog.String("event_id", event.EventID),
			slog.String("event_type", event.EventType),
		)
		return true, nil
	}

	i.record(ReceivedAccepted)
	slog.Info("webhook event queued",
		slog.String("event_id", event.EventID),
		slog.String("event_type", event.EventType),
	)
	return false, nil
}

// resolveEventID は重複排除キーを決める。
// 外枠にIDが無い場合はdata.idが必須で、どちらも無いイベントは受け付けない。
func resolveEventID(env *Envelope) (string, error) {
	if env.ID != "" {
		return env.ID, nil
	}
	var data struct {
		ID string `json:"id"`
	}
	if len(env.Data) == 0 {
		return "", errors.New("event has neither id nor data")
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("invalid data object: %w", err)
	}
	if data.ID == "" {
		return "", errors.New("event has neither id nor data.id")
	}
	return env.EventID(data.ID), nil
}

func (i *Ingestor) record(result string) {
	if i.recorder != nil {
		i.recorder.RecordWebhookReceived(result)
	}
}

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/repository"
)

const (
	defaultBatchSize  = 50
	defaultStaleAfter = 5 * time.Minute
)

// ProcessedRecorder はイベント処理の終端状態を記録する。
type ProcessedRecorder interface {
	RecordWebhookProcessed(status string)
}

// Processor はキューに溜まったWebhookイベントを購入記録に反映する。
// 失敗したイベントはfailedとして残し、再試行しない。
type Processor struct {
	events     repository.WebhookEventRepository
	users      repository.UserRepository
	purchases  repository.PurchaseRepository
	recorder   ProcessedRecorder
	batchSize  int
	staleAfter time.Duration
}

// NewProcessor はProcessorを生成する。batchSizeが0以下の場合はデフォルト値50を使用する。
func NewProcessor(
	events repository.WebhookEventRepository,
	users repository.UserRepository,
	purchases repository.PurchaseRepository,
	recorder ProcessedRecorder,
	batchSize int,
) *Processor {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Processor{
		events:     events,
		users:      users,
		purchases:  purchases,
		recorder:   recorder,
		batchSize:  batchSize,
		staleAfter: defaultStaleAfter,
	}
}

// ProcessBatch はpendingのイベントを最大batchSize件取得して処理し、処理件数を返す。
// コンテキストがキャンセルされた場合、未処理のイベントはprocessingのまま残り、
// staleAfter経過後に再取得される。
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.events.ClaimPending(ctx, p.batchSize, p.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to claim webhook events: %w", err)
	}

	processed := 0
	for _, e := range events {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		status, reason := p.handle(ctx, e)
		if err := p.events.MarkDone(ctx, e.ID, status, reason); err != nil {
			slog.Error("failed to mark webhook event",
				slog.String("event_id", e.EventID),
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if p.recorder != nil {
			p.recorder.RecordWebhookProcessed(string(status))
		}
		processed++
	}
	return processed, nil
}

// handle は1件のイベントを処理し、終端状態と理由を返す。
func (p *Processor) handle(ctx context.Context, e *model.WebhookEvent) (model.WebhookEventStatus, string) {
	env, err := ParseEnvelope(e.Payload)
	if err != nil {
		return p.fail(e, err)
	}

	switch env.EventType() {
	case model.EventPaymentSucceeded:
		return p.handlePaymentSucceeded(ctx, e, env)
	case model.EventPaymentRefunded:
		return p.handlePaymentRefunded(ctx, e, env)
	default:
		slog.Info("webhook event skipped: unhandled type",
			slog.String("event_id", e.EventID),
			slog.String("event_type", env.EventType()),
		)
		return model.WebhookStatusSkipped, "unhandled event type"
	}
}

// handlePaymentSucceeded は購入者をbuyerとしてUpsertし、購入記録を作成する。
// metadataに商品IDが無い場合はskippedとする。
func (p *Processor) handlePaymentSucceeded(ctx context.Context, e *model.WebhookEvent, env *Envelope) (model.WebhookEventStatus, string) {
	data, err := ParsePaymentData(env.Data)
	if err != nil {
		return p.fail(e, err)
	}
	productID := data.ProductID()
	if productID == "" {
		slog.Info("webhook event skipped: product id missing from metadata",
			slog.String("event_id", e.EventID),
			slog.String("payment_id", data.ID),
		)
		return model.WebhookStatusSkipped, "metadata productId missing"
	}
	if data.ID == "" {
		return p.fail(e, errors.New("payment id missing"))
	}
	buyerID := data.BuyerID()
	if buyerID == "" {
		return p.fail(e, errors.New("buyer user id missing"))
	}
	amount, err := data.AmountCents()
	if err != nil {
		return p.fail(e, err)
	}

	buyer := &model.User{WhopUserID: buyerID, Role: model.RoleBuyer}
	if data.User != nil {
		buyer.Email = data.User.Email
		buyer.Name = data.User.Name
		if buyer.Name == "" {
			buyer.Name = data.User.Username
		}
	}
	buyer, err = p.users.Upsert(ctx, buyer)
	if err != nil {
		return p.fail(e, fmt.Errorf("failed to upsert buyer: %w", err))
	}

	inserted, err := p.purchases.Create(ctx, &model.Purchase{
		ProductID:     productID,
		BuyerUserID:   buyer.ID,
		WhopPaymentID: data.ID,
		AmountCents:   amount,
		Status:        model.PurchaseStatusPaid,
	})
	if err != nil {
		return p.fail(e, fmt.Errorf("failed to create purchase: %w", err))
	}
	if !inserted {
		slog.Info("purchase already recorded",
			slog.String("event_id", e.EventID),
			slog.String("payment_id", data.ID),
		)
		return model.WebhookStatusProcessed, ""
	}

	slog.Info("purchase recorded",
		slog.String("event_id", e.EventID),
		slog.String("payment_id", data.ID),
		slog.String("product_id", productID),
		slog.String("buyer_user_id", buyer.ID),
		slog.Int64("amount_cents", amount),
	)
	return model.WebhookStatusProcessed, ""
}

// handlePaymentRefunded は決済IDに対応する購入記録をrefundedに更新する。
// 対応する購入記録が無い場合はfailedとする。
func (p *Processor) handlePaymentRefunded(ctx context.Context, e *model.WebhookEvent, env *Envelope) (model.WebhookEventStatus, string) {
	data, err := ParsePaymentData(env.Data)
	if err != nil {
		return p.fail(e, err)
	}
	if data.ID == "" {
		return p.fail(e, errors.New("payment id missing"))
	}

	n, err := p.purchases.UpdateStatusByPaymentID(ctx, data.ID, model.PurchaseStatusRefunded)
	if err != nil {
		return p.fail(e, fmt.Errorf("failed to update purchase status: %w", err))
	}
	if n == 0 {
		return p.fail(e, fmt.Errorf("no purchase found for payment %s", data.ID))
	}

	slog.Info("purchase refunded",
		slog.String("event_id", e.EventID),
		slog.String("payment_id", data.ID),
	)
	return model.WebhookStatusProcessed, ""
}

func (p *Processor) fail(e *model.WebhookEvent, err error) (model.WebhookEventStatus, string) {
	slog.Error("webhook event failed",
		slog.String("event_id", e.EventID),
		slog.String("event_type", e.EventType),
		slog.String("error", err.Error()),
	)
	return model.WebhookStatusFailed, err.Error()
}

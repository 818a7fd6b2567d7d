package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkvault/internal/model"
)

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhookイベントキュー。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Insert は検証済みイベントをpendingで保存する。
// 同一イベントIDが既に存在する場合は何もせずfalseを返す。
func (r *PostgresWebhookEventRepo) Insert(ctx context.Context, e *model.WebhookEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	e.Status = model.WebhookStatusPending

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, event_id, event_type, payload, status, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.EventID, e.EventType, []byte(e.Payload), string(e.Status), e.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ClaimPending はpendingのイベント、またはstaleAfterより前に取得されたまま
// 完了していないprocessingのイベントを最大limit件取得し、processingに遷移させる。
// 行ロックはFOR UPDATE SKIP LOCKEDで取得し、複数ワーカー間で重複しない。
func (r *PostgresWebhookEventRepo) ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.WebhookEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE webhook_events
		 SET status = 'processing', claimed_at = now()
		 WHERE id IN (
		     SELECT id FROM webhook_events
		     WHERE status = 'pending'
		        OR (status = 'processing' AND claimed_at < now() - make_interval(secs => $2))
		     ORDER BY received_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, event_id, event_type, payload, status, received_at`,
		limit, staleAfter.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook events: %w", err)
	}
	defer rows.Close()

	var events []*model.WebhookEvent
	for rows.Next() {
		e := &model.WebhookEvent{}
		var payload []byte
		var status string
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &payload, &status, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		e.Payload = payload
		e.Status = model.WebhookEventStatus(status)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook events: %w", err)
	}

	// RETURNINGの順序は保証されないため受信順に並べ直す
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	return events, nil
}

// MarkDone はイベントを終端状態（processed / skipped / failed）に遷移させる。
func (r *PostgresWebhookEventRepo) MarkDone(ctx context.Context, id string, status model.WebhookEventStatus, errMsg string) error {
	switch status {
	case model.WebhookStatusProcessed, model.WebhookStatusSkipped, model.WebhookStatusFailed:
	default:
		return fmt.Errorf("invalid terminal status: %s", status)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = $2, error = $3, processed_at = now() WHERE id = $1`,
		id, string(status), nullString(errMsg),
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)

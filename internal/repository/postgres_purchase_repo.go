package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/linkvault/internal/model"
)

// PostgresPurchaseRepo はPostgreSQLを使用した購入記録リポジトリ。
type PostgresPurchaseRepo struct {
	db *sql.DB
}

// NewPostgresPurchaseRepo はPostgresPurchaseRepoを生成する。
func NewPostgresPurchaseRepo(db *sql.DB) *PostgresPurchaseRepo {
	return &PostgresPurchaseRepo{db: db}
}

// Create は購入記録を作成する。
// 同一のWhop決済IDが既に存在する場合は何もせずfalseを返す。
func (r *PostgresPurchaseRepo) Create(ctx context.Context, p *model.Purchase) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.PurchaseStatusPaid
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO purchases (id, product_id, buyer_user_id, whop_payment_id, amount_cents, status,
		                        download_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
		 ON CONFLICT (whop_payment_id) DO NOTHING`,
		p.ID, p.ProductID, p.BuyerUserID, p.WhopPaymentID, p.AmountCents, string(p.Status),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert purchase: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateStatusByPaymentID はWhop決済IDで購入記録を検索しステータスを更新する。
// 更新した行数を返す。
func (r *PostgresPurchaseRepo) UpdateStatusByPaymentID(ctx context.Context, whopPaymentID string, status model.PurchaseStatus) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE purchases SET status = $2, updated_at = now() WHERE whop_payment_id = $1`,
		whopPaymentID, string(status),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update purchase status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// CountByProduct は商品に紐付いた購入記録の件数を返す。
func (r *PostgresPurchaseRepo) CountByProduct(ctx context.Context, productID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM purchases WHERE product_id = $1`,
		productID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count purchases: %w", err)
	}
	return count, nil
}

// FindPaid は購入者の支払い済み購入記録を返す。見つからない場合はnilを返す。
func (r *PostgresPurchaseRepo) FindPaid(ctx context.Context, productID, buyerUserID string) (*model.Purchase, error) {
	p := &model.Purchase{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, product_id, buyer_user_id, whop_payment_id, amount_cents, status,
		        download_count, created_at, updated_at
		 FROM purchases
		 WHERE product_id = $1 AND buyer_user_id = $2 AND status = 'paid'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		productID, buyerUserID,
	).Scan(
		&p.ID, &p.ProductID, &p.BuyerUserID, &p.WhopPaymentID, &p.AmountCents, &status,
		&p.DownloadCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find paid purchase: %w", err)
	}
	p.Status = model.PurchaseStatus(status)
	return p, nil
}

// IncrementDownloadCount はダウンロード回数を1増やす。
func (r *PostgresPurchaseRepo) IncrementDownloadCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE purchases SET download_count = download_count + 1, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PurchaseRepository = (*PostgresPurchaseRepo)(nil)

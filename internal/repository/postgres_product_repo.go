package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/linkvault/internal/model"
)

const productColumns = `id, title, description, price_cents, currency, file_key, image_key, image_url,
	owner_user_id, company_id, plan_id, checkout_configuration_id, purchase_url,
	active, created_at, updated_at`

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

func scanProduct(row rowScanner) (*model.Product, error) {
	p := &model.Product{}
	var imageKey, imageURL, ownerUserID, companyID, planID, ccID, purchaseURL sql.NullString
	if err := row.Scan(
		&p.ID, &p.Title, &p.Description, &p.PriceCents, &p.Currency, &p.FileKey,
		&imageKey, &imageURL, &ownerUserID, &companyID,
		&planID, &ccID, &purchaseURL,
		&p.Active, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.ImageKey = nullStringValue(imageKey)
	p.ImageURL = nullStringValue(imageURL)
	p.OwnerUserID = nullStringValue(ownerUserID)
	p.CompanyID = nullStringValue(companyID)
	p.PlanID = nullStringValue(planID)
	p.CheckoutConfigurationID = nullStringValue(ccID)
	p.PurchaseURL = nullStringValue(purchaseURL)
	return p, nil
}

// Create は商品を作成する。
func (r *PostgresProductRepo) Create(ctx context.Context, p *model.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, title, description, price_cents, currency, file_key, image_key, image_url,
		                       owner_user_id, company_id, plan_id, checkout_configuration_id, purchase_url,
		                       active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.Title, p.Description, p.PriceCents, p.Currency, p.FileKey,
		nullString(p.ImageKey), nullString(p.ImageURL),
		nullString(p.OwnerUserID), nullString(p.CompanyID),
		nullString(p.PlanID), nullString(p.CheckoutConfigurationID), nullString(p.PurchaseURL),
		p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find product by ID: %w", err)
	}
	return p, nil
}

// ListByOwner は所有ユーザーの商品一覧を作成日時の降順で返す。
func (r *PostgresProductRepo) ListByOwner(ctx context.Context, ownerUserID string) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE owner_user_id = $1
		 ORDER BY created_at DESC`,
		ownerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return products, nil
}

// UpdatePlanID はプランIDを保存する。
func (r *PostgresProductRepo) UpdatePlanID(ctx context.Context, id, planID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET plan_id = $2, updated_at = now() WHERE id = $1`,
		id, planID,
	)
	if err != nil {
		return fmt.Errorf("failed to update product plan: %w", err)
	}
	return nil
}

// SaveCheckout はプランID・チェックアウト設定ID・購入URLを1回の更新で保存する。
// 購入URLが既に保存済みの場合は更新せずfalseを返す。
func (r *PostgresProductRepo) SaveCheckout(ctx context.Context, id, planID, checkoutConfigurationID, purchaseURL string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE products
		 SET plan_id = COALESCE($2, plan_id),
		     checkout_configuration_id = $3,
		     purchase_url = $4,
		     updated_at = now()
		 WHERE id = $1 AND purchase_url IS NULL`,
		id, nullString(planID), checkoutConfigurationID, purchaseURL,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save product checkout: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Delete は指定IDの商品を削除する。
// 購入記録から参照されている場合はErrReferencedを返す。
func (r *PostgresProductRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return ErrReferenced
	}
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)

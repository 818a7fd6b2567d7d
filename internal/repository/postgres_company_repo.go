package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/linkvault/internal/model"
)

const companyColumns = `id, whop_company_id, name, access_token, refresh_token, token_expires_at,
	product_container_id, active, installed_at, created_at, updated_at`

// PostgresCompanyRepo はPostgreSQLを使用したカンパニーリポジトリ。
type PostgresCompanyRepo struct {
	db *sql.DB
}

// NewPostgresCompanyRepo はPostgresCompanyRepoを生成する。
func NewPostgresCompanyRepo(db *sql.DB) *PostgresCompanyRepo {
	return &PostgresCompanyRepo{db: db}
}

func scanCompany(row rowScanner) (*model.Company, error) {
	c := &model.Company{}
	var access, refresh, containerID sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(
		&c.ID, &c.WhopCompanyID, &c.Name, &access, &refresh, &expiresAt,
		&containerID, &c.Active, &c.InstalledAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Tokens = tokenBundle(access, refresh, expiresAt)
	c.ProductContainerID = nullStringValue(containerID)
	return c, nil
}

// FindByID は指定IDのカンパニーを取得する。見つからない場合はnilを返す。
func (r *PostgresCompanyRepo) FindByID(ctx context.Context, id string) (*model.Company, error) {
	c, err := scanCompany(r.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find company by ID: %w", err)
	}
	return c, nil
}

// FindByWhopCompanyID はWhopカンパニーIDで検索する。見つからない場合はnilを返す。
func (r *PostgresCompanyRepo) FindByWhopCompanyID(ctx context.Context, whopCompanyID string) (*model.Company, error) {
	c, err := scanCompany(r.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE whop_company_id = $1`,
		whopCompanyID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find company by whop company ID: %w", err)
	}
	return c, nil
}

// Upsert はWhopカンパニーIDをキーにカンパニーを作成または更新し、保存後の行を返す。
// トークン・プロダクトコンテナIDが空の場合は既存の値を維持する。
func (r *PostgresCompanyRepo) Upsert(ctx context.Context, company *model.Company) (*model.Company, error) {
	id := company.ID
	if id == "" {
		id = uuid.New().String()
	}
	access, refresh, expiresAt := tokenColumns(company.Tokens)

	saved, err := scanCompany(r.db.QueryRowContext(ctx,
		`INSERT INTO companies (id, whop_company_id, name, access_token, refresh_token, token_expires_at,
		                        product_container_id, active, installed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now(), now())
		 ON CONFLICT (whop_company_id) DO UPDATE SET
		     name = COALESCE(NULLIF(EXCLUDED.name, ''), companies.name),
		     access_token = COALESCE(EXCLUDED.access_token, companies.access_token),
		     refresh_token = COALESCE(EXCLUDED.refresh_token, companies.refresh_token),
		     token_expires_at = COALESCE(EXCLUDED.token_expires_at, companies.token_expires_at),
		     product_container_id = COALESCE(EXCLUDED.product_container_id, companies.product_container_id),
		     active = EXCLUDED.active OR companies.active,
		     updated_at = now()
		 RETURNING `+companyColumns,
		id, company.WhopCompanyID, company.Name, access, refresh, expiresAt,
		nullString(company.ProductContainerID), company.Active,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert company: %w", err)
	}
	return saved, nil
}

// UpdateTokens はトークンの組と有効期限を更新する。
func (r *PostgresCompanyRepo) UpdateTokens(ctx context.Context, companyID string, tokens model.TokenBundle) error {
	access, refresh, expiresAt := tokenColumns(&tokens)
	result, err := r.db.ExecContext(ctx,
		`UPDATE companies
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		companyID, access, refresh, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update company tokens: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("company not found: %s", companyID)
	}
	return nil
}

// UpdateProductContainer はプロダクトコンテナIDを保存する。
func (r *PostgresCompanyRepo) UpdateProductContainer(ctx context.Context, companyID, containerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE companies SET product_container_id = $2, updated_at = now() WHERE id = $1`,
		companyID, containerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update company product container: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CompanyRepository = (*PostgresCompanyRepo)(nil)

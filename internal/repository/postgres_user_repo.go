package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/linkvault/internal/model"
)

const userColumns = `id, whop_user_id, role, email, name, company_id, product_container_id,
	access_token, refresh_token, token_expires_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var role string
	var companyID, containerID, access, refresh sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(
		&user.ID, &user.WhopUserID, &role, &user.Email, &user.Name,
		&companyID, &containerID, &access, &refresh, &expiresAt,
		&user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	user.Role = model.UserRole(role)
	user.CompanyID = nullStringValue(companyID)
	user.ProductContainerID = nullStringValue(containerID)
	user.Tokens = tokenBundle(access, refresh, expiresAt)
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByWhopUserID はWhopユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByWhopUserID(ctx context.Context, whopUserID string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE whop_user_id = $1`,
		whopUserID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by whop user ID: %w", err)
	}
	return user, nil
}

// Upsert はWhopユーザーIDをキーにユーザーを作成または更新し、保存後の行を返す。
// 空のCompanyID・トークンは既存の値を上書きしない。
// 既存のsellerロールはbuyerに降格しない。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) (*model.User, error) {
	id := user.ID
	if id == "" {
		id = uuid.New().String()
	}
	role := user.Role
	if role == "" {
		role = model.RoleSeller
	}
	access, refresh, expiresAt := tokenColumns(user.Tokens)

	saved, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, whop_user_id, role, email, name, company_id, product_container_id,
		                    access_token, refresh_token, token_expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		 ON CONFLICT (whop_user_id) DO UPDATE SET
		     role = CASE WHEN users.role = 'seller' THEN users.role ELSE EXCLUDED.role END,
		     email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
		     name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
		     company_id = COALESCE(EXCLUDED.company_id, users.company_id),
		     product_container_id = COALESCE(EXCLUDED.product_container_id, users.product_container_id),
		     access_token = COALESCE(EXCLUDED.access_token, users.access_token),
		     refresh_token = COALESCE(EXCLUDED.refresh_token, users.refresh_token),
		     token_expires_at = COALESCE(EXCLUDED.token_expires_at, users.token_expires_at),
		     updated_at = now()
		 RETURNING `+userColumns,
		id, user.WhopUserID, string(role), user.Email, user.Name,
		nullString(user.CompanyID), nullString(user.ProductContainerID),
		access, refresh, expiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return saved, nil
}

// UpdateCompany はユーザーのCompany紐付けを更新する。
func (r *PostgresUserRepo) UpdateCompany(ctx context.Context, userID, companyID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET company_id = $2, updated_at = now() WHERE id = $1`,
		userID, nullString(companyID),
	)
	if err != nil {
		return fmt.Errorf("failed to update user company: %w", err)
	}
	return nil
}

// UpdateProductContainer はユーザー単位のプロダクトコンテナIDを保存する。
func (r *PostgresUserRepo) UpdateProductContainer(ctx context.Context, userID, containerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET product_container_id = $2, updated_at = now() WHERE id = $1`,
		userID, containerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user product container: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)

// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
)

// ErrReferenced は他のレコードから参照されているため削除できないことを表す。
var ErrReferenced = errors.New("record is referenced by other rows")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByWhopUserID はWhopユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
	FindByWhopUserID(ctx context.Context, whopUserID string) (*model.User, error)

	// Upsert はWhopユーザーIDをキーにユーザーを作成または更新し、保存後の行を返す。
	// 空のCompanyID・トークンは既存の値を上書きしない。
	// 既存のsellerロールはbuyerに降格しない。
	Upsert(ctx context.Context, user *model.User) (*model.User, error)

	// UpdateCompany はユーザーのCompany紐付けを更新する。
	UpdateCompany(ctx context.Context, userID, companyID string) error

	// UpdateProductContainer はユーザー単位のプロダクトコンテナIDを保存する。
	UpdateProductContainer(ctx context.Context, userID, containerID string) error
}

// CompanyRepository はカンパニーデータの永続化インターフェース。
type CompanyRepository interface {
	// FindByID は指定IDのカンパニーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Company, error)

	// FindByWhopCompanyID はWhopカンパニーIDで検索する。見つからない場合はnilを返す。
	FindByWhopCompanyID(ctx context.Context, whopCompanyID string) (*model.Company, error)

	// Upsert はWhopカンパニーIDをキーにカンパニーを作成または更新し、保存後の行を返す。
	// トークン・プロダクトコンテナIDが空の場合は既存の値を維持する。
	Upsert(ctx context.Context, company *model.Company) (*model.Company, error)

	// UpdateTokens はトークンの組と有効期限を更新する。
	UpdateTokens(ctx context.Context, companyID string, tokens model.TokenBundle) error

	// UpdateProductContainer はプロダクトコンテナIDを保存する。
	UpdateProductContainer(ctx context.Context, companyID, containerID string) error
}

// ProductRepository は商品データの永続化インターフェース。
type ProductRepository interface {
	// Create は商品を作成する。
	Create(ctx context.Context, product *model.Product) error

	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)

	// ListByOwner は所有ユーザーの商品一覧を作成日時の降順で返す。
	ListByOwner(ctx context.Context, ownerUserID string) ([]*model.Product, error)

	// UpdatePlanID はプランIDを保存する。
	UpdatePlanID(ctx context.Context, id, planID string) error

	// SaveCheckout はプランID・チェックアウト設定ID・購入URLを1回の更新で保存する。
	// 購入URLが既に保存済みの場合は更新せずfalseを返す。
	SaveCheckout(ctx context.Context, id, planID, checkoutConfigurationID, purchaseURL string) (bool, error)

	// Delete は指定IDの商品を削除する。
	// 購入記録から参照されている場合はErrReferencedを返す。
	Delete(ctx context.Context, id string) error
}

// PurchaseRepository は購入記録の永続化インターフェース。
type PurchaseRepository interface {
	// Create は購入記録を作成する。
	// 同一のWhop決済IDが既に存在する場合は何もせずfalseを返す。
	Create(ctx context.Context, purchase *model.Purchase) (bool, error)

	// UpdateStatusByPaymentID はWhop決済IDで購入記録を検索しステータスを更新する。
	// 更新した行数を返す。
	UpdateStatusByPaymentID(ctx context.Context, whopPaymentID string, status model.PurchaseStatus) (int64, error)

	// CountByProduct は商品に紐付いた購入記録の件数を返す。
	CountByProduct(ctx context.Context, productID string) (int, error)

	// FindPaid は購入者の支払い済み購入記録を返す。見つからない場合はnilを返す。
	FindPaid(ctx context.Context, productID, buyerUserID string) (*model.Purchase, error)

	// IncrementDownloadCount はダウンロード回数を1増やす。
	IncrementDownloadCount(ctx context.Context, id string) error
}

// WebhookEventRepository はWebhookイベントキューの永続化インターフェース。
type WebhookEventRepository interface {
	// Insert は検証済みイベントをpendingで保存する。
	// 同一イベントIDが既に存在する場合は何もせずfalseを返す。
	Insert(ctx context.Context, event *model.WebhookEvent) (bool, error)

	// ClaimPending はpendingのイベント、またはstaleAfterより前に取得されたまま
	// 完了していないprocessingのイベントを最大limit件取得し、processingに遷移させる。
	// 行ロックはFOR UPDATE SKIP LOCKEDで取得し、複数ワーカー間で重複しない。
	ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.WebhookEvent, error)

	// MarkDone はイベントを終端状態（processed / skipped / failed）に遷移させる。
	MarkDone(ctx context.Context, id string, status model.WebhookEventStatus, errMsg string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

package model

import "time"

// Product は販売者が登録したデジタル商品を表す。
// 価格は常に最小通貨単位（セント）の整数で保持する。
type Product struct {
	ID          string
	Title       string
	Description string
	PriceCents  int64
	Currency    string
	FileKey     string
	ImageKey    string
	ImageURL    string
	// OwnerUserID / CompanyID はどちらか一方、または両方が設定される。
	OwnerUserID string
	CompanyID   string

	PlanID                  string
	CheckoutConfigurationID string
	// PurchaseURL は一度設定されたら不変として扱う。
	PurchaseURL string

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCheckout は購入URLがキャッシュ済みかを返す。
func (p *Product) HasCheckout() bool {
	return p.PurchaseURL != ""
}

// PurchaseStatus は購入の状態を表す。
type PurchaseStatus string

const (
	PurchaseStatusPaid     PurchaseStatus = "paid"
	PurchaseStatusRefunded PurchaseStatus = "refunded"
)

// Purchase は外部決済1件に対応する購入記録を表す。
// 状態遷移は paid → refunded のみ。
type Purchase struct {
	ID            string
	ProductID     string
	BuyerUserID   string
	WhopPaymentID string
	AmountCents   int64
	Status        PurchaseStatus
	DownloadCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

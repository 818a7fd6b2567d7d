package whop

import "encoding/json"

// Me は GET /api/v2/me のレスポンス。
type Me struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

func (m *Me) validate() error {
	if m.ID == "" {
		return &ContractError{Operation: "get_me", Field: "id"}
	}
	return nil
}

// Company はユーザーが管理するWhopカンパニー。
type Company struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Name  string `json:"name"`
}

// DisplayName はカンパニーの表示名を返す。
func (c Company) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// companyList は GET /api/v5/me/companies のレスポンス。
// dataフィールドを持たない応答は契約違反として扱う。
type companyList struct {
	Data *[]Company `json:"data"`
}

func (l *companyList) validate() error {
	if l.Data == nil {
		return &ContractError{Operation: "list_companies", Field: "data"}
	}
	for _, c := range *l.Data {
		if c.ID == "" {
			return &ContractError{Operation: "list_companies", Field: "data[].id"}
		}
	}
	return nil
}

// ProductContainer はプランをまとめるWhop上のプロダクト。
type ProductContainer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

func (p *ProductContainer) validate() error {
	if p.ID == "" {
		return &ContractError{Operation: "create_product", Field: "id"}
	}
	return nil
}

// Plan はWhop上の価格設定。
type Plan struct {
	ID          string `json:"id"`
	PurchaseURL string `json:"purchase_url"`
}

func (p *Plan) validate() error {
	if p.ID == "" {
		return &ContractError{Operation: "create_plan", Field: "id"}
	}
	return nil
}

// CheckoutConfiguration はプランに紐付いたホスト型決済ページ。
type CheckoutConfiguration struct {
	ID          string `json:"id"`
	PurchaseURL string `json:"purchase_url"`
	Plan        *struct {
		ID string `json:"id"`
	} `json:"plan"`
}

// PlanID はチェックアウト設定に紐付いたプランIDを返す。
func (c *CheckoutConfiguration) PlanID() string {
	if c.Plan == nil {
		return ""
	}
	return c.Plan.ID
}

func (c *CheckoutConfiguration) validate() error {
	if c.ID == "" {
		return &ContractError{Operation: "create_checkout_configuration", Field: "id"}
	}
	if c.PurchaseURL == "" {
		return &ContractError{Operation: "create_checkout_configuration", Field: "purchase_url"}
	}
	if c.PlanID() == "" {
		return &ContractError{Operation: "create_checkout_configuration", Field: "plan.id"}
	}
	return nil
}

// PlanRequest はプラン作成の入力。価格はセントで受け取る。
type PlanRequest struct {
	ProductContainerID string
	CompanyID          string
	PriceCents         int64
	Currency           string
	Metadata           map[string]string
}

// CheckoutConfigurationRequest はチェックアウト設定作成の入力。
// PlanIDが設定されている場合は既存プランを使用し、
// それ以外はInlinePlanの内容でプランを同時に作成する。
type CheckoutConfigurationRequest struct {
	PlanID      string
	InlinePlan  *PlanRequest
	RedirectURL string
	Metadata    map[string]string
}

// 以下はリクエストボディのワイヤ表現。

type createProductBody struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

type planBody struct {
	ProductID     string            `json:"product_id,omitempty"`
	CompanyID     string            `json:"company_id,omitempty"`
	PlanType      string            `json:"plan_type"`
	ReleaseMethod string            `json:"release_method"`
	InitialPrice  json.Number       `json:"initial_price"`
	Currency      string            `json:"currency"`
	Visibility    string            `json:"visibility,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type checkoutConfigurationBody struct {
	PlanID      string            `json:"plan_id,omitempty"`
	Plan        *planBody         `json:"plan,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// newPlanBody はセント→主単位の変換を1回だけ行ってワイヤ表現を組み立てる。
func newPlanBody(r PlanRequest) *planBody {
	return &planBody{
		ProductID:     r.ProductContainerID,
		CompanyID:     r.CompanyID,
		PlanType:      "one_time",
		ReleaseMethod: "buy_now",
		InitialPrice:  majorAmount(r.PriceCents),
		Currency:      r.Currency,
		Metadata:      r.Metadata,
	}
}

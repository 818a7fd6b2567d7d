// Package whop はWhopプラットフォームのREST APIクライアントを提供する。
// レスポンスは型付き構造体にデコードし、境界で必須フィールドを検証する。
package whop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL はWhop APIのベースURL。
	DefaultBaseURL = "https://api.whop.com"

	defaultTimeout = 15 * time.Second
	// maxResponseSize はレスポンスボディの最大読み込みサイズ（1MB）。
	maxResponseSize = 1 << 20
)

// Client はWhop REST APIクライアント。
// 全リクエストは Authorization: Bearer <token> で認証する。
// トークンはOAuthアクセストークンまたはアプリAPIキーのいずれでもよい。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient はClientを生成する。httpClientがnilの場合はタイムアウト付きのクライアントを使う。
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// GetMe は認証ユーザーの情報を取得する。
func (c *Client) GetMe(ctx context.Context, token string) (*Me, error) {
	var me Me
	if err := c.do(ctx, "get_me", http.MethodGet, "/api/v2/me", token, nil, &me); err != nil {
		return nil, err
	}
	if err := me.validate(); err != nil {
		return nil, err
	}
	return &me, nil
}

// ListMyCompanies は認証ユーザーが管理するカンパニー一覧を取得する。
func (c *Client) ListMyCompanies(ctx context.Context, token string) ([]Company, error) {
	var list companyList
	if err := c.do(ctx, "list_companies", http.MethodGet, "/api/v5/me/companies", token, nil, &list); err != nil {
		return nil, err
	}
	if err := list.validate(); err != nil {
		return nil, err
	}
	return *list.Data, nil
}

// CreateProductContainer は非公開のプロダクトコンテナを作成する。
func (c *Client) CreateProductContainer(ctx context.Context, token, name string) (*ProductContainer, error) {
	body := createProductBody{Name: name, Visibility: "hidden"}
	var pc ProductContainer
	if err := c.do(ctx, "create_product", http.MethodPost, "/api/v5/products", token, body, &pc); err != nil {
		return nil, err
	}
	if err := pc.validate(); err != nil {
		return nil, err
	}
	return &pc, nil
}

// CreatePlan は一回払い（one_time / buy_now）のプランを作成する。
func (c *Client) CreatePlan(ctx context.Context, token string, req PlanRequest) (*Plan, error) {
	var plan Plan
	if err := c.do(ctx, "create_plan", http.MethodPost, "/api/v5/plans", token, newPlanBody(req), &plan); err != nil {
		return nil, err
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// CreateCheckoutConfiguration はチェックアウト設定（ホスト型決済ページ）を作成する。
func (c *Client) CreateCheckoutConfiguration(ctx context.Context, token string, req CheckoutConfigurationRequest) (*CheckoutConfiguration, error) {
	body := checkoutConfigurationBody{
		PlanID:      req.PlanID,
		RedirectURL: req.RedirectURL,
		Metadata:    req.Metadata,
	}
	if req.PlanID == "" {
		if req.InlinePlan == nil {
			return nil, fmt.Errorf("checkout configuration requires plan id or inline plan")
		}
		body.Plan = newPlanBody(*req.InlinePlan)
	}

	var cc CheckoutConfiguration
	if err := c.do(ctx, "create_checkout_configuration", http.MethodPost, "/api/v1/checkout_configurations", token, body, &cc); err != nil {
		return nil, err
	}
	if err := cc.validate(); err != nil {
		return nil, err
	}
	return &cc, nil
}

// do はJSONリクエストを送信し、2xxの場合のみoutにデコードする。
func (c *Client) do(ctx context.Context, op, method, path, token string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Operation: op, Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ContractError{Operation: op, Field: "body"}
	}
	return nil
}

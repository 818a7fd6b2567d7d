// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// ルート境界でJSONに変換され、クライアントが取るべき対処を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, product, system
	Details  string // 補足情報（上流レスポンス等）
	Hint     string // 人間向けの対処方法
	Action   string // クライアント向けの機械可読な対処（例: oauth_required）

	// UpstreamStatus は上流APIが返したHTTPステータス（該当時のみ）。
	UpstreamStatus int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeConfiguration          = "CONFIGURATION_ERROR"
	ErrCodeUpstreamAPI            = "UPSTREAM_API_ERROR"
	ErrCodeUpstreamContract       = "UPSTREAM_CONTRACT_ERROR"
	ErrCodeAuthentication         = "AUTHENTICATION_REQUIRED"
	ErrCodeForbidden              = "FORBIDDEN"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeCheckoutUnavailable    = "CHECKOUT_UNAVAILABLE"
	ErrCodeProductInUse           = "PRODUCT_IN_USE"
	ErrCodeProvisioningInProgress = "PROVISIONING_IN_PROGRESS"
	ErrCodeRateLimit              = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// クライアント向けの対処アクション
const (
	ActionOAuthRequired  = "oauth_required"
	ActionLogin          = "login"
	ActionContactSupport = "contact_support"
	ActionRetry          = "retry"
	ActionFixRequest     = "fix_request"
	ActionNone           = "none"
)

// NewConfigurationError は必須設定の欠落エラーを生成する。
func NewConfigurationError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeConfiguration,
		Message:  fmt.Sprintf("サーバー設定が不足しています: %s", key),
		Category: "system",
		Details:  fmt.Sprintf("environment variable %s is not set", key),
		Hint:     fmt.Sprintf("環境変数 %s を設定してサーバーを再起動してください。", key),
		Action:   ActionContactSupport,
	}
}

// NewUpstreamAPIError はWhop APIの非2xx応答エラーを生成する。
func NewUpstreamAPIError(operation string, status int, body string) *APIError {
	return &APIError{
		Code:           ErrCodeUpstreamAPI,
		Message:        fmt.Sprintf("Whop APIの呼び出しに失敗しました: %s", operation),
		Category:       "upstream",
		Details:        body,
		Hint:           "しばらく待ってから再度お試しください。",
		Action:         ActionRetry,
		UpstreamStatus: status,
	}
}

// NewUpstreamContractError はWhop APIの応答が期待する形式でない場合のエラーを生成する。
func NewUpstreamContractError(operation, field string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamContract,
		Message:  fmt.Sprintf("Whop APIの応答が不正です: %s", operation),
		Category: "upstream",
		Details:  fmt.Sprintf("missing or invalid field %q", field),
		Hint:     "Whop側の仕様変更の可能性があります。サポートに連絡してください。",
		Action:   ActionContactSupport,
	}
}

// NewAuthenticationError は未認証エラーを生成する。
func NewAuthenticationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthentication,
		Message:  "認証が必要です。",
		Category: "auth",
		Details:  reason,
		Hint:     "Whopからアプリを開き直すか、再ログインしてください。",
		Action:   ActionLogin,
	}
}

// NewOAuthRequiredError はWhopとの連携（OAuthインストール）が必要な場合のエラーを生成する。
func NewOAuthRequiredError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Whopとの連携が必要です。",
		Category: "auth",
		Details:  reason,
		Hint:     "アプリをWhopのカンパニーにインストールしてから再度お試しください。",
		Action:   ActionOAuthRequired,
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Details:  reason,
		Action:   ActionLogin,
	}
}

// NewNotFoundError はローカルレコード未検出エラーを生成する。
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定された%sが見つかりません: %s", resource, id),
		Category: "validation",
		Hint:     "IDを確認してください。",
	}
}

// NewValidationError はリクエスト検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", field),
		Category: "validation",
		Details:  reason,
		Hint:     "入力内容を確認してください。",
		Action:   ActionFixRequest,
	}
}

// NewCheckoutUnavailableError はチェックアウトURLを作成できなかった場合のエラーを生成する。
func NewCheckoutUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCheckoutUnavailable,
		Message:  "購入ページを作成できませんでした。",
		Category: "product",
		Details:  reason,
		Hint:     "Whopとの連携状態を確認し、しばらく待ってから再度お試しください。",
		Action:   ActionRetry,
	}
}

// NewProductInUseError は購入履歴があるため商品を削除できない場合のエラーを生成する。
func NewProductInUseError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProductInUse,
		Message:  "購入履歴がある商品は削除できません。",
		Category: "product",
		Details:  fmt.Sprintf("product %s has purchases", productID),
		Hint:     "商品を非公開にする場合は販売を停止してください。",
		Action:   ActionNone,
	}
}

// NewProvisioningInProgressError は同一商品の購入ページ作成が進行中の場合のエラーを生成する。
func NewProvisioningInProgressError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProvisioningInProgress,
		Message:  "購入ページを作成中です。",
		Category: "product",
		Details:  fmt.Sprintf("checkout provisioning for product %s is in progress", productID),
		Hint:     "数秒後に再度お試しください。",
		Action:   ActionRetry,
	}
}

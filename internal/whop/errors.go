package whop

import (
	"errors"
	"fmt"

	"github.com/hitoshi/linkvault/internal/model"
)

// UpstreamError はWhop APIが非2xxを返したことを表す。
// 上流のステータスとレスポンスボディ（生文字列）を保持する。
type UpstreamError struct {
	Operation string
	Status    int
	Body      string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("whop %s failed with status %d: %s", e.Operation, e.Status, e.Body)
}

// ContractError は2xx応答が期待するフィールドを欠いていることを表す。
type ContractError struct {
	Operation string
	Field     string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("whop %s: response missing %s", e.Operation, e.Field)
}

// ToAPIError はwhopパッケージのエラーをルート境界用のAPIErrorに変換する。
// whop由来でないエラーの場合はfalseを返す。
func ToAPIError(err error) (*model.APIError, bool) {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return model.NewUpstreamAPIError(upErr.Operation, upErr.Status, upErr.Body), true
	}
	var cErr *ContractError
	if errors.As(err, &cErr) {
		return model.NewUpstreamContractError(cErr.Operation, cErr.Field), true
	}
	return nil, false
}

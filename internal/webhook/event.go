package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Envelope はWebhookペイロードの外枠。
// 送信元のバージョンによりイベント種別はactionまたはtypeに入る。
type Envelope struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// EventType はイベント種別を返す。
func (e *Envelope) EventType() string {
	if e.Action != "" {
		return e.Action
	}
	return e.Type
}

// EventID は重複排除に使うイベントIDを返す。
// 外枠にIDが無い場合は種別とデータIDから組み立てる。
func (e *Envelope) EventID(dataID string) string {
	if e.ID != "" {
		return e.ID
	}
	return e.EventType() + ":" + dataID
}

// ParseEnvelope はボディを外枠としてパースする。
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if env.EventType() == "" {
		return nil, errors.New("webhook payload has no action or type")
	}
	return &env, nil
}

// PaymentData は payment.* イベントのdata部。
type PaymentData struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	User   *struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	// 金額は主単位（例: 5.00）で届く
	FinalAmount json.Number    `json:"final_amount"`
	Total       json.Number    `json:"total"`
	Currency    string         `json:"currency"`
	Metadata    map[string]any `json:"metadata"`
}

// ParsePaymentData はdata部をPaymentDataとしてパースする。
func ParsePaymentData(raw json.RawMessage) (*PaymentData, error) {
	if len(raw) == 0 {
		return nil, errors.New("webhook payload has no data")
	}
	var d PaymentData
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to parse payment data: %w", err)
	}
	return &d, nil
}

// BuyerID は購入者のWhopユーザーIDを返す。
func (d *PaymentData) BuyerID() string {
	if d.User != nil && d.User.ID != "" {
		return d.User.ID
	}
	return d.UserID
}

// ProductID はチェックアウト作成時にmetadataへ埋め込んだ商品IDを返す。
func (d *PaymentData) ProductID() string {
	for _, key := range []string{"productId", "product_id"} {
		if v, ok := d.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// AmountCents は支払い金額を最小通貨単位で返す。金額が無い場合は0を返す。
func (d *PaymentData) AmountCents() (int64, error) {
	amount := d.FinalAmount
	if amount == "" {
		amount = d.Total
	}
	if amount == "" {
		return 0, nil
	}
	major, err := decimal.NewFromString(amount.String())
	if err != nil {
		return 0, fmt.Errorf("invalid payment amount %q: %w", amount, err)
	}
	return major.Shift(2).Round(0).IntPart(), nil
}

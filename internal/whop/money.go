package whop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency は通貨未指定時に使用する通貨コード。
const DefaultCurrency = "usd"

// MinorToMajor は最小通貨単位（セント）を主単位に変換する。
// 金額を主単位で扱うのはWhop APIへのリクエスト境界のみとし、
// 呼び出し側で再度割り算してはならない。
func MinorToMajor(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// majorAmount はJSONで数値としてエンコードされる主単位の金額を返す。
func majorAmount(cents int64) json.Number {
	return json.Number(MinorToMajor(cents).String())
}

// NormalizeCurrency は通貨コードを小文字3文字のISO 4217形式に正規化する。
// 空文字の場合はDefaultCurrencyを返す。
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(currency))
	if c == "" {
		return DefaultCurrency, nil
	}
	if len(c) != 3 {
		return "", fmt.Errorf("currency must be a 3-letter ISO 4217 code: %q", currency)
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return "", fmt.Errorf("currency must be a 3-letter ISO 4217 code: %q", currency)
		}
	}
	return c, nil
}

// Package webhook はWhopから送信されるWebhookの署名検証、永続化、処理を提供する。
// 受信時は検証済みのイベントをwebhook_eventsに同期的に書き込んでから応答し、
// 購入記録への反映はワーカーがキューから取り出して行う。
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader は署名を運ぶリクエストヘッダ名。
const SignatureHeader = "whop-signature"

// DefaultTolerance はタイムスタンプ付き署名で許容する時刻のずれ。
const DefaultTolerance = 5 * time.Minute

var (
	// ErrMissingSecret は署名シークレットが設定されていないことを表す。
	ErrMissingSecret = errors.New("webhook secret is not configured")
	// ErrInvalidSignature は署名ヘッダが無い、または一致しないことを表す。
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Verifier はHMAC-SHA256でWebhookの署名を検証する。
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier はVerifierを生成する。secretが空の場合、Verifyは常にErrMissingSecretを返す。
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

// Verify は生のリクエストボディに対する署名を検証する。
//
// ヘッダは次のいずれかの形式を受け付ける。
//   - t=<unix秒>,v1=<hex>: "<t>.<body>" に対するHMAC。tが許容範囲外なら失敗する
//   - <hex> または <base64>: ボディに対するHMAC
func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return ErrMissingSecret
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrInvalidSignature
	}

	// hexとbase64はカンマを含まない
	if strings.Contains(header, ",") {
		return v.verifyTimestamped(header, body)
	}

	expected := v.sign(body)
	if sig, err := hex.DecodeString(strings.TrimPrefix(header, "sha256=")); err == nil && hmac.Equal(sig, expected) {
		return nil
	}
	if sig, err := base64.StdEncoding.DecodeString(header); err == nil && hmac.Equal(sig, expected) {
		return nil
	}
	return ErrInvalidSignature
}

func (v *Verifier) verifyTimestamped(header string, body []byte) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(unix, 0))
		if skew < -v.tolerance || skew > v.tolerance {
			return ErrInvalidSignature
		}
	}

	payload := make([]byte, 0, len(timestamp)+1+len(body))
	payload = append(payload, timestamp...)
	payload = append(payload, '.')
	payload = append(payload, body...)
	expected := v.sign(payload)

	for _, s := range signatures {
		sig, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (v *Verifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

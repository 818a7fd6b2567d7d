package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IframeTokenIssuer はWhopがiframeに付与するユーザートークンの発行者。
const IframeTokenIssuer = "urn:whopcom:exp-proxy"

// IframeTokenHeader はiframe経由のリクエストでユーザートークンを運ぶヘッダー。
const IframeTokenHeader = "x-whop-user-token"

// ErrInvalidIframeToken はiframeトークンの検証失敗を表す。
var ErrInvalidIframeToken = errors.New("invalid iframe user token")

type iframeClaims struct {
	CompanyID string `json:"company_id,omitempty"`
	jwt.RegisteredClaims
}

// IframeTokenVerifier はWhopのiframeユーザートークン（ES256 JWT）を検証する。
type IframeTokenVerifier struct {
	key      *ecdsa.PublicKey
	audience string
	now      func() time.Time
}

// NewIframeTokenVerifier はPEM形式の公開鍵からIframeTokenVerifierを生成する。
// 環境変数経由で "\n" がエスケープされたPEMも受け付ける。
// appIDが空でなければaudienceとして検証する。
func NewIframeTokenVerifier(publicKeyPEM, appID string) (*IframeTokenVerifier, error) {
	pem := strings.ReplaceAll(publicKeyPEM, `\n`, "\n")
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("failed to parse iframe token public key: %w", err)
	}
	return &IframeTokenVerifier{key: key, audience: appID, now: time.Now}, nil
}

// Verify はトークンの署名・発行者・有効期限を検証し、利用者情報を返す。
func (v *IframeTokenVerifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidIframeToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(IframeTokenIssuer),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &iframeClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIframeToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidIframeToken)
	}
	return &Identity{UserID: claims.Subject, CompanyID: claims.CompanyID}, nil
}

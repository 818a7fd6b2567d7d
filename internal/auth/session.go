package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// SessionCookieName はOAuth連携後に発行するセッションCookie名。
const SessionCookieName = "whop_user_id"

// SessionSigner はセッションCookieの値（WhopユーザーID）に署名・検証する。
// 値の形式は "<whopUserID>.<HMAC-SHA256のbase64url>"。
type SessionSigner struct {
	key []byte
}

// NewSessionSigner はSessionSignerを生成する。
func NewSessionSigner(secret string) *SessionSigner {
	return &SessionSigner{key: []byte(secret)}
}

// Sign はWhopユーザーIDに署名したCookie値を返す。
func (s *SessionSigner) Sign(whopUserID string) string {
	return whopUserID + "." + s.mac(whopUserID)
}

// Verify はCookie値を検証し、WhopユーザーIDを返す。
func (s *SessionSigner) Verify(value string) (string, bool) {
	if len(s.key) == 0 {
		return "", false
	}
	i := strings.LastIndex(value, ".")
	if i <= 0 || i == len(value)-1 {
		return "", false
	}
	id, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.mac(id))) {
		return "", false
	}
	return id, true
}

func (s *SessionSigner) mac(v string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(v))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

package model

import "time"

// UserRole はユーザーの役割を表す。
type UserRole string

const (
	RoleSeller UserRole = "seller"
	RoleBuyer  UserRole = "buyer"
)

// User はサービス利用ユーザーを表す。
// WhopUserIDが外部プラットフォーム上の識別キーとなる。
type User struct {
	ID         string
	WhopUserID string
	Role       UserRole
	Email      string
	Name       string
	// CompanyID は紐付いたCompanyの内部ID（未連携の場合は空）。
	CompanyID string
	// ProductContainerID はユーザー単位で作成したWhopプロダクトコンテナのID。
	ProductContainerID string
	Tokens             *TokenBundle
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Company はWhop上のカンパニー（アプリのインストール先）を表す。
type Company struct {
	ID                 string
	WhopCompanyID      string
	Name               string
	Tokens             *TokenBundle
	ProductContainerID string
	Active             bool
	InstalledAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TokenBundle はWhop OAuthのアクセストークン・リフレッシュトークンの組を表す。
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

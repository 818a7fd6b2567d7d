// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は出品者が入力した商品タイトル・説明文をサニタイズし、
// ストアフロントに表示される際のXSSを防ぐ。
// bluemondayの許可リストベースのポリシーを使用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は商品テキストのサニタイズ機能のインターフェース。
type ContentSanitizerService interface {
	// SanitizeTitle はタイトルから全てのHTMLタグを除去し、前後の空白を取り除く。
	SanitizeTitle(raw string) string
	// SanitizeDescription は説明文の許可タグ（p, br, ul, ol, li, strong, em, a）のみを残す。
	// aタグはhttpsのhrefのみ許可し、target="_blank"とrel="noopener noreferrer"を付与する。
	SanitizeDescription(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフ。
type contentSanitizer struct {
	title       *bluemonday.Policy
	description *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	d := bluemonday.NewPolicy()
	d.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")
	d.AllowAttrs("href").OnElements("a")
	d.AllowURLSchemes("https")
	d.AllowRelativeURLs(false)
	d.AddTargetBlankToFullyQualifiedLinks(true)
	d.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		title:       bluemonday.StrictPolicy(),
		description: d,
	}
}

// SanitizeTitle はタイトルをプレーンテキストにする。
// StrictPolicyはエスケープ済みの文字列を返すため、保存用にアンエスケープする。
func (s *contentSanitizer) SanitizeTitle(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.title.Sanitize(raw)))
}

// SanitizeDescription は説明文をサニタイズする。
func (s *contentSanitizer) SanitizeDescription(raw string) string {
	return strings.TrimSpace(s.description.Sanitize(raw))
}

// Package security はリモートから取り込む値の無害化機能を提供する。
//
// TextSanitizer はリモートAPIから取得したメモやタイトルに含まれるHTMLを除去し、
// プレーンテキストとして保存できる形に整える。
// bluemondayのStrictPolicyで全タグを落としたうえで実体参照を戻す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はテキストの無害化機能のインターフェースを定義する。
type TextSanitizerService interface {
	// SanitizeText は全てのHTMLタグを除去したプレーンテキストを返す。
	// 前後の空白は取り除く。同一入力に対して常に同一出力を返す。
	SanitizeText(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText は全てのHTMLタグを除去したプレーンテキストを返す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	// brは改行として残す
	raw = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n").Replace(raw)
	cleaned := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer は配信メッセージのHTMLをTelegramが解釈できるタグだけに制限する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 許可外のタグは除去し、テキストはエスケープされた状態を保つ。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はHTMLサニタイズのインターフェース。
// フォーマッタがメッセージを組み立てた後の最終段で使用する。
type ContentSanitizer interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（b, strong, i, em, u, s, code, pre, blockquote, a）のみを通過させる。
	// aタグのhrefはhttp/httpsの絶対URLのみ許可される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// telegramSanitizer はContentSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなため、1つのインスタンスを共有できる。
type telegramSanitizer struct {
	policy *bluemonday.Policy
}

// NewTelegramSanitizer はTelegramのHTMLパースモード向けのサニタイザーを生成する。
// ポリシーの内容:
//   - 許可タグ: b, strong, i, em, u, s, code, pre, blockquote, a
//   - 禁止タグ: script, iframe, style, p, br, img など上記以外すべて（中身のテキストは残る）
//   - aタグ: href属性のみ、http/httpsの絶対URLに限る
func NewTelegramSanitizer() ContentSanitizer {
	p := bluemonday.NewPolicy()

	// Telegramは改行を文字として扱うため、段落・改行タグは許可しない
	p.AllowElements(
		"b", "strong", "i", "em", "u", "s",
		"code", "pre", "blockquote",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")

	return &telegramSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
func (s *telegramSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/textmatch"
)

// DefaultPrefixLen はフィンガープリントに含める本文の先頭文字数（ルーン数）のデフォルト値。
const DefaultPrefixLen = 500

// Normalize はフィンガープリント計算用にテキストを正規化する。
// NFKC正規化とケースフォールディングの後、句読点と記号を空白に置き換え、
// 連続する空白を1つにまとめる。
func Normalize(s string) string {
	folded := textmatch.Fold(s)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) || unicode.IsControl(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Fingerprint は記事のタイトルと本文の先頭prefixLen文字からフィンガープリントを計算する。
// 同一の正規化結果を持つ記事は必ず同一のフィンガープリントになる。
// prefixLenが0以下の場合はDefaultPrefixLenを使う。
func Fingerprint(article model.Article, prefixLen int) model.Fingerprint {
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLen
	}

	title := Normalize(article.Title)
	body := truncateRunes(Normalize(article.Body), prefixLen)

	sum := sha256.Sum256([]byte(title + "\n" + body))
	return model.Fingerprint(hex.EncodeToString(sum[:]))
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

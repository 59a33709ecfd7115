// Package textmatch は大文字小文字を区別しない単語境界付きのキーワード照合を提供する。
// 照合前にNFKC正規化とケースフォールディングを行うため、キリル文字や全角文字も扱える。
package textmatch

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold はテキストをNFKC正規化し、ケースフォールディングした文字列を返す。
// cases.Casterはゴルーチン間で共有できないため呼び出しごとに生成する。
func Fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// ContainsWord はfoldedText内にkwが単語境界付きで現れるかを返す。
// 両方とも事前にFold済みであること。
func ContainsWord(foldedText, kw string) bool {
	if kw == "" {
		return false
	}
	start := 0
	for start <= len(foldedText) {
		i := strings.Index(foldedText[start:], kw)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(kw)
		if isBoundaryBefore(foldedText, i) && isBoundaryAfter(foldedText, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(foldedText[i:])
		start = i + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isBoundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func isBoundaryAfter(s string, end int) bool {
	if end >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[end:])
	return !isWordRune(r)
}

// Matcher は設定済みキーワード群をまとめて照合する。
type Matcher struct {
	keywords []string
	folded   []string
}

// NewMatcher はMatcherを生成する。Fold後に同一となるキーワードは1つにまとめる。
func NewMatcher(keywords []string) *Matcher {
	m := &Matcher{}
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		f := strings.TrimSpace(Fold(kw))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		m.keywords = append(m.keywords, kw)
		m.folded = append(m.folded, f)
	}
	return m
}

// Len は照合対象のキーワード数を返す。
func (m *Matcher) Len() int {
	return len(m.keywords)
}

// Matches はfoldedTextに現れたキーワードを設定順に1回ずつ返す。
func (m *Matcher) Matches(foldedText string) []string {
	var out []string
	for i, f := range m.folded {
		if ContainsWord(foldedText, f) {
			out = append(out, m.keywords[i])
		}
	}
	return out
}

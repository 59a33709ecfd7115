package format

import (
	"sort"

	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/textmatch"
)

// DefaultMaxHashtags はメッセージに付与するハッシュタグの上限のデフォルト値。
const DefaultMaxHashtags = 10

// hashtagRule はキーワードと対応するハッシュタグの組。
type hashtagRule struct {
	keyword string // 折り畳み済み
	tag     string
}

// Hashtagger はジャンル・プラットフォーム・アクションのキーワード表からハッシュタグを生成する。
type Hashtagger struct {
	rules []hashtagRule
	limit int
}

// NewHashtagger はハッシュタグ表からHashtaggerを生成する。
func NewHashtagger(h config.Hashtags) *Hashtagger {
	limit := h.Max
	if limit <= 0 {
		limit = DefaultMaxHashtags
	}

	var rules []hashtagRule
	for _, table := range []map[string]string{h.Games, h.Platforms, h.Actions} {
		for kw, tag := range table {
			if kw == "" || tag == "" {
				continue
			}
			rules = append(rules, hashtagRule{keyword: textmatch.Fold(kw), tag: tag})
		}
	}
	return &Hashtagger{rules: rules, limit: limit}
}

// Generate はテキスト群に単語として含まれるキーワードのハッシュタグを、
// 重複を除いて辞書順に並べ上限数までに切り詰めて返す。
func (h *Hashtagger) Generate(texts ...string) []string {
	var folded []string
	for _, t := range texts {
		if t != "" {
			folded = append(folded, textmatch.Fold(t))
		}
	}

	seen := make(map[string]struct{})
	for _, r := range h.rules {
		if _, ok := seen[r.tag]; ok {
			continue
		}
		for _, text := range folded {
			if textmatch.ContainsWord(text, r.keyword) {
				seen[r.tag] = struct{}{}
				break
			}
		}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	if len(tags) > h.limit {
		tags = tags[:h.limit]
	}
	return tags
}

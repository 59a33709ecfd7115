package translate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span はテキスト中のエンティティの位置（バイトオフセット）を表す。
type Span struct {
	Start int
	End   int
}

// EntityDetector は翻訳してはならない固有名詞の位置を検出する。
// 返すSpanは互いに重ならず、Startの昇順に並んでいること。
type EntityDetector interface {
	Detect(text string) []Span
}

// エンティティ検出戦略（ENTITY_STRATEGY）。
const (
	StrategyPattern    = "pattern"
	StrategyDictionary = "dictionary"
	StrategyHybrid     = "hybrid"
)

// NewDetector は戦略名に対応するEntityDetectorを生成する。
func NewDetector(strategy string, dictionary []string) (EntityDetector, error) {
	switch strings.ToLower(strategy) {
	case StrategyPattern:
		return NewPatternDetector(), nil
	case StrategyDictionary:
		return NewDictionaryDetector(dictionary), nil
	case StrategyHybrid, "":
		return NewHybridDetector(NewDictionaryDetector(dictionary), NewPatternDetector()), nil
	default:
		return nil, fmt.Errorf("未知のエンティティ検出戦略です: %q", strategy)
	}
}

// entityPatterns はパターン検出で使う正規表現。
var entityPatterns = []*regexp.Regexp{
	// 大文字始まりの語が2語以上続く並び（Elden Ring, Naughty Dog）
	regexp.MustCompile(`\b[A-Z][A-Za-z0-9']*(?:[ \t]+[A-Z][A-Za-z0-9']*)+\b`),
	// CamelCase（PlayStation, FromSoftware, iPhone）
	regexp.MustCompile(`\b[A-Z]?[a-z]+[A-Z][A-Za-z0-9]*\b`),
	// 略語・英数字混在（RPG, GTA6, PS5）
	regexp.MustCompile(`\b[A-Z]{2,}[0-9]*\b`),
	regexp.MustCompile(`\b[A-Za-z]+[0-9]+[A-Za-z0-9]*\b`),
}

// PatternDetector は表記パターンから固有名詞を推定する。
type PatternDetector struct {
	patterns []*regexp.Regexp
}

// NewPatternDetector はPatternDetectorを生成する。
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{patterns: entityPatterns}
}

// Detect はパターンに一致する範囲を返す。重なる場合は開始位置が早く長いものを優先する。
func (d *PatternDetector) Detect(text string) []Span {
	var spans []Span
	for _, re := range d.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1]})
		}
	}
	return selectNonOverlapping(nil, spans)
}

// DictionaryDetector は既知のスタジオ名・タイトル名の辞書で検出する。
// 長い語を優先するため「Square Enix」は「Square」より先に一致する。
type DictionaryDetector struct {
	terms []string
}

// NewDictionaryDetector は辞書を長さの降順に並べたDictionaryDetectorを生成する。
func NewDictionaryDetector(terms []string) *DictionaryDetector {
	sorted := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &DictionaryDetector{terms: sorted}
}

// Detect は辞書語が単語境界付きで現れる範囲を返す。
func (d *DictionaryDetector) Detect(text string) []Span {
	var taken []Span
	for _, term := range d.terms {
		start := 0
		for {
			i := strings.Index(text[start:], term)
			if i < 0 {
				break
			}
			i += start
			s := Span{Start: i, End: i + len(term)}
			if atWordBoundary(text, s) && !overlapsAny(taken, s) {
				taken = append(taken, s)
			}
			start = i + len(term)
		}
	}
	sortSpans(taken)
	return taken
}

// HybridDetector は辞書検出とパターン検出を併用する。重なる場合は辞書を優先する。
type HybridDetector struct {
	primary   EntityDetector
	secondary EntityDetector
}

// NewHybridDetector はHybridDetectorを生成する。
func NewHybridDetector(primary, secondary EntityDetector) *HybridDetector {
	return &HybridDetector{primary: primary, secondary: secondary}
}

// Detect は両検出器の結果を統合する。
func (d *HybridDetector) Detect(text string) []Span {
	return selectNonOverlapping(d.primary.Detect(text), d.secondary.Detect(text))
}

// selectNonOverlapping はfixedを保持したまま、candidatesのうち重ならないものを追加する。
func selectNonOverlapping(fixed, candidates []Span) []Span {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return candidates[i].End > candidates[j].End
	})

	out := append([]Span(nil), fixed...)
	for _, c := range candidates {
		if !overlapsAny(out, c) {
			out = append(out, c)
		}
	}
	sortSpans(out)
	return out
}

func overlapsAny(spans []Span, s Span) bool {
	for _, t := range spans {
		if s.Start < t.End && t.Start < s.End {
			return true
		}
	}
	return false
}

func sortSpans(spans []Span) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
}

func atWordBoundary(text string, s Span) bool {
	if s.Start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:s.Start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if s.End < len(text) {
		r, _ := utf8.DecodeRuneInString(text[s.End:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

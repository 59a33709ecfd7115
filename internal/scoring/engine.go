// Package scoring は記事の関連度スコアを計算する。
package scoring

import (
	"fmt"
	"regexp"
	"time"
	"unicode"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/textmatch"
)

// capsMinLetters は大文字比率判定を行う最小の文字数。
const capsMinLetters = 8

// Config はスコアリングエンジンの設定。
type Config struct {
	Keywords config.KeywordTiers

	HighWeight   int
	MediumWeight int
	LowWeight    int

	FreshnessWindow time.Duration
	FreshnessBonus  int

	ClickbaitPatterns  []string
	ClickbaitPenalty   int
	ClickbaitCapsRatio float64 // 0以下で大文字比率判定を無効化する

	Threshold int
}

// NewConfig はチューニング値とルールからConfigを組み立てる。
func NewConfig(t config.Tunables, r config.Rules) Config {
	return Config{
		Keywords:           r.Keywords,
		HighWeight:         t.HighWeight,
		MediumWeight:       t.MediumWeight,
		LowWeight:          t.LowWeight,
		FreshnessWindow:    t.FreshnessWindow,
		FreshnessBonus:     t.FreshnessBonus,
		ClickbaitPatterns:  r.Clickbait.Patterns,
		ClickbaitPenalty:   t.ClickbaitPenalty,
		ClickbaitCapsRatio: t.ClickbaitCapsRatio,
		Threshold:          t.ScoreThreshold,
	}
}

// Engine はキーワード階層・ソース重み・鮮度・釣りタイトル判定からスコアを計算する。
// 生成後は不変で、複数のゴルーチンから同時に利用できる。
type Engine struct {
	cfg       Config
	clock     clock.Clock
	high      *textmatch.Matcher
	medium    *textmatch.Matcher
	low       *textmatch.Matcher
	clickbait []*regexp.Regexp
}

// NewEngine はスコアリングエンジンを生成する。
// 釣りタイトルのパターンが正規表現としてコンパイルできない場合はエラーを返す。
func NewEngine(cfg Config, clk clock.Clock) (*Engine, error) {
	if clk == nil {
		clk = clock.Real{}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.ClickbaitPatterns))
	for _, p := range cfg.ClickbaitPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("clickbaitパターン %q のコンパイルに失敗しました: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Engine{
		cfg:       cfg,
		clock:     clk,
		high:      textmatch.NewMatcher(cfg.Keywords.High),
		medium:    textmatch.NewMatcher(cfg.Keywords.Medium),
		low:       textmatch.NewMatcher(cfg.Keywords.Low),
		clickbait: patterns,
	}, nil
}

// Threshold は配信に必要な最低スコアを返す。
func (e *Engine) Threshold() int {
	return e.cfg.Threshold
}

// Score は記事のスコアを計算する。
// 各キーワードは出現回数に関係なく1回だけ加点する。合計は0未満にならない。
func (e *Engine) Score(article model.Article) model.ScoreResult {
	text := textmatch.Fold(article.Title + "\n" + article.Body)

	var b model.ScoreBreakdown
	b.HighMatches = e.high.Matches(text)
	b.MediumMatches = e.medium.Matches(text)
	b.LowMatches = e.low.Matches(text)
	b.TierPoints = len(b.HighMatches)*e.cfg.HighWeight +
		len(b.MediumMatches)*e.cfg.MediumWeight +
		len(b.LowMatches)*e.cfg.LowWeight

	b.SourceBonus = article.SourceWeight

	if e.isFresh(article.PublishedAt) {
		b.FreshnessBonus = e.cfg.FreshnessBonus
	}

	b.ClickbaitReasons = e.clickbaitReasons(article.Title)
	if len(b.ClickbaitReasons) > 0 {
		b.ClickbaitPenalty = e.cfg.ClickbaitPenalty
	}

	total := b.TierPoints + b.SourceBonus + b.FreshnessBonus - b.ClickbaitPenalty
	if total < 0 {
		total = 0
	}

	return model.ScoreResult{
		TotalScore:     total,
		Breakdown:      b,
		MeetsThreshold: total >= e.cfg.Threshold,
	}
}

// isFresh は公開から鮮度ウィンドウ未満であればtrueを返す。公開日時不明は鮮度なしとして扱う。
func (e *Engine) isFresh(publishedAt time.Time) bool {
	if publishedAt.IsZero() {
		return false
	}
	age := e.clock.Now().Sub(publishedAt)
	return age < e.cfg.FreshnessWindow
}

func (e *Engine) clickbaitReasons(title string) []string {
	var reasons []string
	for _, re := range e.clickbait {
		if re.MatchString(title) {
			reasons = append(reasons, "pattern:"+re.String())
		}
	}
	if e.cfg.ClickbaitCapsRatio > 0 {
		if ratio, ok := capsRatio(title); ok && ratio > e.cfg.ClickbaitCapsRatio {
			reasons = append(reasons, fmt.Sprintf("caps_ratio:%.2f", ratio))
		}
	}
	return reasons
}

// capsRatio はタイトル中の文字に占める大文字の割合を返す。
// 大文字小文字の区別がある文字がcapsMinLetters未満の場合はfalseを返す。
func capsRatio(title string) (float64, bool) {
	var letters, upper int
	for _, r := range title {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) && !unicode.IsLower(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < capsMinLetters {
		return 0, false
	}
	return float64(upper) / float64(letters), true
}

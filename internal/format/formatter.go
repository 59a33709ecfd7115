// Package format は翻訳済みの記事を配信チャネル向けのメッセージに整形する。
//
// メッセージはTelegramのHTMLパースモードで解釈される形式で、
// タイトル・本文・ハッシュタグ・出典の4ブロックを空行で区切る。
package format

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/security"
)

const (
	// MaxMessageLength はTelegramのsendMessageが受け付ける最大文字数。
	MaxMessageLength = 4096
	// ParseModeHTML はsendMessageのparse_modeに渡す値。
	ParseModeHTML = "HTML"

	maxTitleLength = 256
	ellipsis       = "…"
)

// Formatter は記事と翻訳結果から配信ペイロードを組み立てる。
// 生成後は不変で、複数のワーカーから同時に利用できる。
type Formatter struct {
	hashtags  *Hashtagger
	sanitizer security.ContentSanitizer
	limit     int
}

// New はFormatterを生成する。limitが0以下の場合はMaxMessageLengthを使う。
func New(hashtags *Hashtagger, sanitizer security.ContentSanitizer, limit int) *Formatter {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	return &Formatter{
		hashtags:  hashtags,
		sanitizer: sanitizer,
		limit:     limit,
	}
}

// Format はメッセージ本文を組み立てて配信ペイロードを返す。Fingerprintは呼び出し側で設定する。
// 本文は全体が上限文字数に収まるよう末尾を切り詰める。
func (f *Formatter) Format(article model.Article, content model.TranslatedContent) model.Payload {
	title := content.TitleTranslated
	if title == "" {
		title = article.Title
	}

	var tags []string
	if f.hashtags != nil {
		tags = f.hashtags.Generate(article.Title, article.Body, content.TitleTranslated, content.BodyTranslated)
	}

	header := "<b>" + fitText(title, maxTitleLength) + "</b>"
	footer := ""
	if len(tags) > 0 {
		footer += "\n\n" + strings.Join(tags, " ")
	}
	footer += "\n\n🔗 <i>Source: " + sourceLabel(article) + "</i>"

	text := header
	if body := strings.TrimSpace(content.BodyTranslated); body != "" {
		budget := f.limit - utf8.RuneCountInString(header) - utf8.RuneCountInString(footer) - 2
		if fitted := fitText(body, budget); fitted != "" {
			text += "\n\n" + fitted
		}
	}
	text += footer

	if f.sanitizer != nil {
		text = f.sanitizer.Sanitize(text)
	}

	return model.Payload{
		ArticleID: article.ID,
		SourceURL: article.URL,
		Text:      text,
		ParseMode: ParseModeHTML,
	}
}

// sourceLabel は出典表記を返す。URLがある場合はソース名をリンクにする。
func sourceLabel(article model.Article) string {
	name := article.SourceID
	if name == "" {
		name = article.URL
	}
	label := html.EscapeString(name)
	if article.URL != "" {
		label = `<a href="` + html.EscapeString(article.URL) + `">` + label + "</a>"
	}
	return label
}

// fitText はテキストをHTMLエスケープし、エスケープ後の文字数がbudget以下になるよう切り詰める。
// 切り詰めた場合は末尾に省略記号を付ける。budgetに1文字も収まらない場合は空文字列を返す。
func fitText(s string, budget int) string {
	escaped := html.EscapeString(s)
	if utf8.RuneCountInString(escaped) <= budget {
		return escaped
	}

	limit := budget - utf8.RuneCountInString(ellipsis)
	var b strings.Builder
	used := 0
	for _, r := range s {
		e := html.EscapeString(string(r))
		n := utf8.RuneCountInString(e)
		if used+n > limit {
			break
		}
		b.WriteString(e)
		used += n
	}

	cut := strings.TrimRightFunc(b.String(), unicode.IsSpace)
	if cut == "" {
		return ""
	}
	return cut + ellipsis
}

package ingest

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements は前後で段落を区切る要素。
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "figure": true, "figcaption": true,
	"table": true, "tr": true, "section": true, "article": true,
}

// skipElements は中身ごと捨てる要素。
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true, "svg": true,
}

// HTMLToText はフィード本文のHTMLをプレーンテキストに変換する。
// 文字参照は展開し、段落は空行で区切り、段落内の空白は1つにまとめる。
func HTMLToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseSpaces(s)
	}

	var paragraphs []string
	var current strings.Builder
	flush := func() {
		if p := collapseSpaces(current.String()); p != "" {
			paragraphs = append(paragraphs, p)
		}
		current.Reset()
	}

	z := html.NewTokenizer(strings.NewReader(s))
	skipDepth := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			flush()
			return strings.Join(paragraphs, "\n\n")
		case html.TextToken:
			if skipDepth == 0 {
				current.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && tt == html.StartTagToken {
				skipDepth++
				continue
			}
			if blockElements[tag] {
				flush()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if blockElements[tag] {
				flush()
			}
		}
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

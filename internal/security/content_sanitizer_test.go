package security

import (
	"strings"
	"testing"
)

// TestSanitize_AllowedTags はTelegramが解釈できるタグが通過することを検証する。
func TestSanitize_AllowedTags(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	tests := []struct {
		name  string
		input string
		// want に含まれるべき部分文字列
		wantContains []string
	}{
		{
			name:         "bタグが許可される",
			input:        "<b>見出し</b>",
			wantContains: []string{"<b>見出し</b>"},
		},
		{
			name:         "iタグが許可される",
			input:        "<i>Source: ign</i>",
			wantContains: []string{"<i>Source: ign</i>"},
		},
		{
			name:         "strongとemが許可される",
			input:        "<strong>太字</strong><em>斜体</em>",
			wantContains: []string{"<strong>太字</strong>", "<em>斜体</em>"},
		},
		{
			name:         "uとsが許可される",
			input:        "<u>下線</u><s>取り消し</s>",
			wantContains: []string{"<u>下線</u>", "<s>取り消し</s>"},
		},
		{
			name:         "preタグとcodeタグが許可される",
			input:        "<pre><code>func main() {}</code></pre>",
			wantContains: []string{"<pre>", "<code>", "func main() {}", "</code>", "</pre>"},
		},
		{
			name:         "blockquoteタグが許可される",
			input:        "<blockquote>引用テキスト</blockquote>",
			wantContains: []string{"<blockquote>引用テキスト</blockquote>"},
		},
		{
			name:         "httpsリンクが許可される",
			input:        `<a href="https://example.com/news/1">元記事</a>`,
			wantContains: []string{`href="https://example.com/news/1"`, "元記事", "</a>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_ForbiddenTags はTelegramが解釈できないタグが除去されることを検証する。
func TestSanitize_ForbiddenTags(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
		wantText   string
	}{
		{
			name:       "scriptタグは中身ごと除去される",
			input:      "<b>安全</b><script>alert('xss')</script>",
			wantAbsent: []string{"<script", "alert"},
			wantText:   "安全",
		},
		{
			name:       "pタグは除去されテキストは残る",
			input:      "<p>段落テキスト</p>",
			wantAbsent: []string{"<p>", "</p>"},
			wantText:   "段落テキスト",
		},
		{
			name:       "imgタグは除去される",
			input:      `画像<img src="https://example.com/a.png">`,
			wantAbsent: []string{"<img"},
			wantText:   "画像",
		},
		{
			name:       "iframeタグは除去される",
			input:      `<iframe src="https://evil.example.com"></iframe>本文`,
			wantAbsent: []string{"<iframe"},
			wantText:   "本文",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
			if !strings.Contains(got, tt.wantText) {
				t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, tt.wantText)
			}
		})
	}
}

// TestSanitize_AnchorSchemes はリンクのスキームが制限されることを検証する。
func TestSanitize_AnchorSchemes(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	tests := []struct {
		name     string
		input    string
		wantHref bool
	}{
		{"https", `<a href="https://example.com">x</a>`, true},
		{"http", `<a href="http://example.com">x</a>`, true},
		{"javascript", `<a href="javascript:alert(1)">x</a>`, false},
		{"相対URL", `<a href="/news/1">x</a>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			if has := strings.Contains(got, "href="); has != tt.wantHref {
				t.Errorf("Sanitize(%q) = %q, href present = %v, want %v", tt.input, got, has, tt.wantHref)
			}
		})
	}
}

// TestSanitize_OnEventAttributes はon*イベント属性が除去されることを検証する。
func TestSanitize_OnEventAttributes(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	got := sanitizer.Sanitize(`<b onclick="steal()">太字</b><a href="https://example.com" onmouseover="x()">リンク</a>`)
	for _, attr := range []string{"onclick", "onmouseover", "steal", "x()"} {
		if strings.Contains(got, attr) {
			t.Errorf("Sanitize() = %q, should NOT contain %q", got, attr)
		}
	}
}

// TestSanitize_EmptyInput は空文字列の入力を安全に処理できることを検証する。
func TestSanitize_EmptyInput(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, expected empty string", got)
	}
}

// TestSanitize_EscapedTextUnchanged はエスケープ済みテキストと改行がそのまま通過することを検証する。
func TestSanitize_EscapedTextUnchanged(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	input := "<b>Patch 1.2</b>\n\nFixes &lt;crash&gt; &amp; stutter\n\n#Patch #PC"
	if got := sanitizer.Sanitize(input); got != input {
		t.Errorf("Sanitize(%q) = %q, expected unchanged", input, got)
	}
}

// TestSanitize_Idempotent は同一入力に対して常に同一出力（冪等性）を検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTelegramSanitizer()

	input := `<p>テスト<strong>太字</strong></p><a href="https://example.com">リンク</a><script>x</script>`

	result1 := sanitizer.Sanitize(input)
	result2 := sanitizer.Sanitize(input)
	result3 := sanitizer.Sanitize(result1) // 二重サニタイズ

	if result1 != result2 {
		t.Errorf("冪等性違反: 1回目=%q, 2回目=%q", result1, result2)
	}
	if result1 != result3 {
		t.Errorf("二重サニタイズで結果が変わった: 1回目=%q, 二重=%q", result1, result3)
	}
}

package ingest

import "testing"

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキスト", "  Elden Ring   DLC  ", "Elden Ring DLC"},
		{"文字参照の展開", "Tom &amp; Jerry &quot;Remastered&quot;", `Tom & Jerry "Remastered"`},
		{"インライン要素は連結", "New <b>RPG</b> from <a href=\"https://x\">Ubisoft</a>", "New RPG from Ubisoft"},
		{"段落は空行で区切る", "<p>First paragraph.</p><p>Second\n  paragraph.</p>", "First paragraph.\n\nSecond paragraph."},
		{"brで改段", "line one<br/>line two", "line one\n\nline two"},
		{"scriptとstyleは除去", "<style>p{color:red}</style>Text<script>alert(1)</script>", "Text"},
		{"空入力", "", ""},
		{"画像のみ", `<img src="a.png">`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToText(tt.input); got != tt.want {
				t.Errorf("HTMLToText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

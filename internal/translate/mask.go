package translate

import (
	"fmt"
	"strings"

	"github.com/hitoshi/newsrelay/internal/model"
)

// basePlaceholderPrefix はプレースホルダーの接頭辞。原文に含まれる場合は衝突しなくなるまでXを付け足す。
const basePlaceholderPrefix = "__ENT"

type placeholder struct {
	token  string
	entity string
}

// placeholderPrefix はどのテキストにも含まれない接頭辞を返す。
func placeholderPrefix(texts ...string) string {
	prefix := basePlaceholderPrefix
	for containsAny(texts, prefix) {
		prefix += "X"
	}
	return prefix
}

func containsAny(texts []string, sub string) bool {
	for _, t := range texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

// mask はspansの範囲をプレースホルダーに置き換える。spansは重ならず昇順であること。
func mask(text string, spans []Span, prefix string) (string, []placeholder) {
	if len(spans) == 0 {
		return text, nil
	}

	var b strings.Builder
	phs := make([]placeholder, 0, len(spans))
	last := 0
	for i, s := range spans {
		token := fmt.Sprintf("%s%d__", prefix, i)
		b.WriteString(text[last:s.Start])
		b.WriteString(token)
		phs = append(phs, placeholder{token: token, entity: text[s.Start:s.End]})
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String(), phs
}

// restore はプレースホルダーを元のエンティティに戻す。
// 各プレースホルダーが翻訳結果にちょうど1回現れない場合はErrEntityRestoreを返す。
func restore(text string, phs []placeholder) (string, error) {
	for _, p := range phs {
		if n := strings.Count(text, p.token); n != 1 {
			return "", model.NewEntityRestoreError(p.token, n)
		}
	}
	for _, p := range phs {
		text = strings.Replace(text, p.token, p.entity, 1)
	}
	return text, nil
}

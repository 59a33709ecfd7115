package model

import (
	"strings"
	"time"
)

// Article はフィードコラボレーターから渡される記事を表す。
// パイプラインは受け取ったArticleを変更しない。
type Article struct {
	ID           string
	SourceID     string
	SourceWeight int // ソースの品質重み（通常1〜10）
	Title        string
	Body         string
	URL          string
	PublishedAt  time.Time
	LanguageHint string // ISO 639-1（例: "en"）。不明な場合は空
}

// Validate はパイプラインで処理可能な記事かを検証する。
// タイトルが空の記事はフィンガープリントが本文のみに依存するため拒否する。
func (a Article) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return NewInvalidArticleError(a.ID, "タイトルが空です")
	}
	if a.SourceWeight < 0 {
		return NewInvalidArticleError(a.ID, "ソース重みが負の値です")
	}
	return nil
}

// Fingerprint は正規化したコンテンツから導出した固定長ダイジェスト（SHA-256の16進表現）。
type Fingerprint string

// String はフィンガープリントを文字列として返す。
func (f Fingerprint) String() string {
	return string(f)
}

// Short はログ出力用にフィンガープリントの先頭12文字を返す。
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// DedupRecord は重複排除ストアに記録されたフィンガープリントを表す。
type DedupRecord struct {
	Fingerprint Fingerprint
	FirstSeenAt time.Time
}

// DedupOutcome は重複排除チェックの結果。
type DedupOutcome string

const (
	// DedupAccepted は初出の記事であり、フィンガープリントを記録したことを示す。
	DedupAccepted DedupOutcome = "accepted"
	// DedupDuplicate は既に記録済みのフィンガープリントであることを示す。
	DedupDuplicate DedupOutcome = "duplicate"
)

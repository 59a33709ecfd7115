package model

import "time"

// Payload は配信チャネルにそのまま送信できる整形済みメッセージ。
type Payload struct {
	ArticleID   string      `json:"article_id"`
	Fingerprint Fingerprint `json:"fingerprint"`
	SourceURL   string      `json:"source_url"`
	Text        string      `json:"text"`
	ParseMode   string      `json:"parse_mode,omitempty"`
}

// QueueEntry は公開キューのエントリ。
// エンキューから終端（配信済みまたはデッドレター）まで公開キューが排他的に所有する。
type QueueEntry struct {
	ID         string
	Payload    Payload
	Priority   int
	NotBefore  time.Time // 配信可能になる最も早い時刻
	Attempt    int       // 配信失敗回数
	EnqueuedAt time.Time
	LastError  string
}

// Status はエントリの公開ステータスを返す。
func (e QueueEntry) Status() PublicationStatus {
	if e.Attempt > 0 {
		return PublicationRetrying
	}
	return PublicationPending
}

// DeadLetterEntry はリトライ上限に達したエントリ。作成後は読み取り専用。
type DeadLetterEntry struct {
	Entry       QueueEntry
	LastError   string
	ExhaustedAt time.Time
}

// PublicationStatus は公開処理の状態。
type PublicationStatus string

const (
	PublicationPending   PublicationStatus = "pending"
	PublicationRetrying  PublicationStatus = "retrying"
	PublicationPublished PublicationStatus = "published"
	PublicationFailed    PublicationStatus = "failed"
)

// CircuitState はサーキットブレーカーの状態。
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// GaugeValue はメトリクス用の数値表現を返す（closed=0, half_open=1, open=2）。
func (s CircuitState) GaugeValue() float64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

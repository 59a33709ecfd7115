package model

// ScoreBreakdown はスコアの内訳を保持する。
// コアは永続化しないが、ログ・メトリクス・テストで参照する。
type ScoreBreakdown struct {
	HighMatches   []string
	MediumMatches []string
	LowMatches    []string

	TierPoints       int // キーワード階層の合計点
	SourceBonus      int
	FreshnessBonus   int
	ClickbaitPenalty int // 減点値（正の値で保持）

	ClickbaitReasons []string
}

// ScoreResult はスコアリング結果を表す。
type ScoreResult struct {
	TotalScore     int
	Breakdown      ScoreBreakdown
	MeetsThreshold bool
}

// TranslatedContent は翻訳済みコンテンツを表す。
// (Fingerprint, TargetLanguage) の組ごとに1回生成され、TTL付きでキャッシュされる。
type TranslatedContent struct {
	TitleTranslated  string `json:"title_translated"`
	BodyTranslated   string `json:"body_translated"`
	TargetLanguage   string `json:"target_language"`
	EntitiesRestored bool   `json:"entities_restored"`
	CacheHit         bool   `json:"-"`
}

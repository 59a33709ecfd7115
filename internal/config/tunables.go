package config

import "time"

// Tunables はパイプラインの全チューニング値を列挙する。
// 起動時に1回構築し、各コンポーネントの生成時に値として渡す。
type Tunables struct {
	// Scoring
	HighWeight         int
	MediumWeight       int
	LowWeight          int
	FreshnessWindow    time.Duration
	FreshnessBonus     int
	ClickbaitPenalty   int
	ClickbaitCapsRatio float64
	ScoreThreshold     int

	// Circuit breaker
	CBFailureThreshold int
	CBRecoveryTimeout  time.Duration

	// Retry
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64
	AttemptTimeout   time.Duration

	// Publication queue
	MinDeliverySpacing time.Duration
	DLQMaxAttempts     int
	QueueMaxSize       int

	// Translation cache
	CacheTTL time.Duration

	// Dedup
	DedupPrefixLen int
}

// DefaultTunables はデフォルトのチューニング値を返す。
func DefaultTunables() Tunables {
	return Tunables{
		HighWeight:         3,
		MediumWeight:       2,
		LowWeight:          1,
		FreshnessWindow:    15 * time.Minute,
		FreshnessBonus:     5,
		ClickbaitPenalty:   10,
		ClickbaitCapsRatio: 0.6,
		ScoreThreshold:     8,

		CBFailureThreshold: 5,
		CBRecoveryTimeout:  60 * time.Second,

		RetryMaxAttempts: 3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    10 * time.Second,
		RetryJitter:      0.2,
		AttemptTimeout:   30 * time.Second,

		MinDeliverySpacing: 600 * time.Second,
		DLQMaxAttempts:     3,
		QueueMaxSize:       1000,

		CacheTTL: time.Hour,

		DedupPrefixLen: 500,
	}
}

// loadTunables は環境変数でデフォルト値を上書きしたTunablesを返す。
func loadTunables() Tunables {
	d := DefaultTunables()
	return Tunables{
		HighWeight:         getEnvInt("SCORE_HIGH_WEIGHT", d.HighWeight),
		MediumWeight:       getEnvInt("SCORE_MEDIUM_WEIGHT", d.MediumWeight),
		LowWeight:          getEnvInt("SCORE_LOW_WEIGHT", d.LowWeight),
		FreshnessWindow:    getEnvDuration("SCORE_FRESHNESS_WINDOW", d.FreshnessWindow),
		FreshnessBonus:     getEnvInt("SCORE_FRESHNESS_BONUS", d.FreshnessBonus),
		ClickbaitPenalty:   getEnvInt("SCORE_CLICKBAIT_PENALTY", d.ClickbaitPenalty),
		ClickbaitCapsRatio: getEnvFloat("SCORE_CLICKBAIT_CAPS_RATIO", d.ClickbaitCapsRatio),
		ScoreThreshold:     getEnvInt("SCORE_THRESHOLD", d.ScoreThreshold),

		CBFailureThreshold: getEnvInt("CB_FAILURE_THRESHOLD", d.CBFailureThreshold),
		CBRecoveryTimeout:  getEnvDuration("CB_RECOVERY_TIMEOUT", d.CBRecoveryTimeout),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", d.RetryMaxAttempts),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", d.RetryBaseDelay),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", d.RetryMaxDelay),
		RetryJitter:      getEnvFloat("RETRY_JITTER", d.RetryJitter),
		AttemptTimeout:   getEnvDuration("ATTEMPT_TIMEOUT", d.AttemptTimeout),

		MinDeliverySpacing: getEnvDuration("MIN_DELIVERY_SPACING", d.MinDeliverySpacing),
		DLQMaxAttempts:     getEnvInt("DLQ_MAX_ATTEMPTS", d.DLQMaxAttempts),
		QueueMaxSize:       getEnvInt("QUEUE_MAX_SIZE", d.QueueMaxSize),

		CacheTTL: getEnvDuration("CACHE_TTL", d.CacheTTL),

		DedupPrefixLen: getEnvInt("DEDUP_PREFIX_LEN", d.DedupPrefixLen),
	}
}

// Package model はドメインモデルを定義する。
package model

import "fmt"

// PipelineError はパイプライン処理の統一エラーフォーマットを表す。
// 同じCodeを持つPipelineError同士はerrors.Isで一致する。
type PipelineError struct {
	Code    string // エラーコード
	Stage   string // 発生ステージ: dedup, translate, queue, ingest
	Message string // エラーメッセージ
	Err     error  // 原因
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is はエラーコードで同一性を判定する。
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeTranslationFailed   = "TRANSLATION_FAILED"
	ErrCodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	ErrCodeEntityRestore       = "ENTITY_RESTORE_FAILED"
	ErrCodeQueueFull           = "QUEUE_FULL"
	ErrCodeQueueExhausted      = "QUEUE_EXHAUSTED"
	ErrCodeInvalidArticle      = "INVALID_ARTICLE"
)

// errors.Is の比較対象として使うセンチネル。
var (
	ErrStoreUnavailable    = &PipelineError{Code: ErrCodeStoreUnavailable}
	ErrTranslation         = &PipelineError{Code: ErrCodeTranslationFailed}
	ErrUnsupportedLanguage = &PipelineError{Code: ErrCodeUnsupportedLanguage}
	ErrEntityRestore       = &PipelineError{Code: ErrCodeEntityRestore}
	ErrQueueFull           = &PipelineError{Code: ErrCodeQueueFull}
	ErrQueueExhausted      = &PipelineError{Code: ErrCodeQueueExhausted}
	ErrInvalidArticle      = &PipelineError{Code: ErrCodeInvalidArticle}
)

// NewStoreUnavailableError はストア到達不能エラーを生成する。
func NewStoreUnavailableError(store string, err error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeStoreUnavailable,
		Stage:   store,
		Message: fmt.Sprintf("%sストアに到達できません", store),
		Err:     err,
	}
}

// NewTranslationError は翻訳失敗エラーを生成する。
func NewTranslationError(err error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeTranslationFailed,
		Stage:   "translate",
		Message: "翻訳に失敗しました",
		Err:     err,
	}
}

// NewUnsupportedLanguageError は未対応言語エラーを生成する。
func NewUnsupportedLanguageError(lang string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeUnsupportedLanguage,
		Stage:   "translate",
		Message: fmt.Sprintf("未対応の言語です: %q", lang),
	}
}

// NewEntityRestoreError はプレースホルダー復元の不整合エラーを生成する。
func NewEntityRestoreError(placeholder string, count int) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeEntityRestore,
		Stage:   "translate",
		Message: fmt.Sprintf("プレースホルダー %s の出現回数が %d です（期待値: 1）", placeholder, count),
	}
}

// NewQueueFullError はキュー容量超過エラーを生成する。
func NewQueueFullError(max int) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeQueueFull,
		Stage:   "queue",
		Message: fmt.Sprintf("公開キューが上限（%d件）に達しています", max),
	}
}

// NewQueueExhaustedError は配信リトライ上限到達エラーを生成する。
func NewQueueExhaustedError(entryID string, attempts int, err error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeQueueExhausted,
		Stage:   "queue",
		Message: fmt.Sprintf("エントリ %s の配信が %d 回失敗しました", entryID, attempts),
		Err:     err,
	}
}

// NewInvalidArticleError は不正な記事エラーを生成する。
func NewInvalidArticleError(articleID, reason string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeInvalidArticle,
		Stage:   "ingest",
		Message: fmt.Sprintf("記事 %s を処理できません: %s", articleID, reason),
	}
}

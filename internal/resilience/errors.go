// Package resilience は外部依存呼び出しを保護するサーキットブレーカーとリトライポリシーを提供する。
// 翻訳プロバイダと配信チャネルごとに1インスタンスを生成し、呼び出し側に注入する。
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen はサーキットが開いているため呼び出しを拒否したことを示す。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrRetriesExhausted は一時エラーがリトライ上限まで続いたことを示す。
var ErrRetriesExhausted = errors.New("retries exhausted")

// CircuitOpenError はOpen状態（またはHalfOpenの試行中）に呼び出しを即時失敗させたエラー。
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time // HalfOpenへ遷移可能になる時刻
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// Is はErrCircuitOpenと一致する。
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetriesExhaustedError はリトライ上限に達したときの最後のエラーを保持する。
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap は最後のエラーを返す。
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Is はErrRetriesExhaustedと一致する。
func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// RetryAfterError は依存先が待機時間を指定した一時エラー（HTTP 429のretry_after等）。
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// permanentError はリトライせず、ブレーカーの失敗数にも数えないエラー。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent はerrを恒久エラーとしてマークする。nilにはnilを返す。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent はerrが恒久エラーとしてマークされているかを返す。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsTransient はerrがリトライ対象の一時エラーかを返す。
// 恒久エラー、サーキットOpen、呼び出し側のキャンセルは一時エラーではない。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// countsAsFailure はエラーが依存先の健全性シグナルとして扱われるかを返す。
func countsAsFailure(err error) bool {
	return err != nil && !IsPermanent(err) && !errors.Is(err, context.Canceled)
}

// Class はHTTPステータスコードの分類。
type Class int

const (
	// ClassOK は成功。
	ClassOK Class = iota
	// ClassTransient はリトライで回復しうる失敗（408/429/5xx）。
	ClassTransient
	// ClassPermanent はリクエスト自体の誤り（その他の4xx）。
	ClassPermanent
)

// ClassifyHTTPStatus はHTTPステータスコードを成功・一時エラー・恒久エラーに分類する。
func ClassifyHTTPStatus(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode == 408 || statusCode == 429:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

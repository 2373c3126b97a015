package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind はリモートコレクションAPI呼び出しの失敗種別を表す。
type ErrorKind string

const (
	// KindAuthentication は認証情報が無効であることを示す。リトライしない。
	KindAuthentication ErrorKind = "authentication"
	// KindRateLimit はリモートが明示的にスロットリングを通知したことを示す。
	KindRateLimit ErrorKind = "rate_limit"
	// KindConnection は一時的なネットワーク障害でリトライを使い切ったことを示す。
	KindConnection ErrorKind = "connection"
	// KindNotFound は対象コレクションが存在しないか空であることを示す。
	KindNotFound ErrorKind = "not_found"
	// KindAPI はその他のAPIエラーを示す。
	KindAPI ErrorKind = "api"
)

// ErrCircuitOpen はサーキットブレーカーが開いていてリクエストを送らなかったことを示す。
// リモートには到達していないため、同期のエラー予算には数えない。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// SourceError はリモートAPI呼び出しの失敗をタグ付きで表す。
// 呼び出し側はKindで分岐し、errors.Asで詳細を取り出す。
type SourceError struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter は再試行までに推奨される待機時間。
	// レート制限とサーキットブレーカーの場合に設定される。
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SourceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap は元のエラーを返す。
func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError はSourceErrorを生成する。
func NewSourceError(kind ErrorKind, status int, message string, err error) *SourceError {
	return &SourceError{Kind: kind, StatusCode: status, Message: message, Err: err}
}

// ErrorKindOf はエラーチェーンからSourceErrorの種別を取り出す。
// SourceErrorを含まない場合は空文字を返す。
func ErrorKindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind はエラーが指定種別のSourceErrorかどうかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	return ErrorKindOf(err) == kind
}

package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/loydmilligan/vinylvault/internal/model"
)

// ClassifyHTTPStatus はHTTPステータスコードを失敗種別に分類する。
// 2xxの場合は空文字を返す。
func ClassifyHTTPStatus(statusCode int) model.ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ""
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return model.KindAuthentication
	case statusCode == http.StatusNotFound:
		return model.KindNotFound
	case statusCode == http.StatusTooManyRequests:
		return model.KindRateLimit
	case statusCode >= 500:
		return model.KindConnection
	default:
		return model.KindAPI
	}
}

// IsRetryable はエラーが自動リトライの対象かどうかを判定する。
// 接続エラー・5xx・明示的なレート制限のみが対象で、
// 認証エラーやその他の4xxは即座に呼び出し元へ返す。
func IsRetryable(err error) bool {
	switch model.ErrorKindOf(err) {
	case model.KindConnection, model.KindRateLimit:
		return true
	}
	return false
}

// CalculateBackoff はリトライ回数に基づいて指数バックオフ遅延を計算する。
// base * 2^retry で増加し、maxDelayで頭打ちになる。
func CalculateBackoff(base, maxDelay time.Duration, retry int) time.Duration {
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// ParseRetryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を解釈する。
// 解釈できない場合は0を返す。
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

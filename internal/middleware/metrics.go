package middleware

import (
	"net/http"
	"time"
)

// HTTPRecorder はHTTPリクエストの結果を記録する。
// metrics.Collectorが実装する。
type HTTPRecorder interface {
	RecordHTTPRequest(status int, d time.Duration)
}

// NewMetricsMiddleware はステータスコードと処理時間を記録するミドルウェアを返す。
// panicからの500も数えるため、リカバリーミドルウェアより外側に置く。
func NewMetricsMiddleware(recorder HTTPRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrapWriter(w, r)
			next.ServeHTTP(ww, r)
			recorder.RecordHTTPRequest(responseStatus(ww), time.Since(start))
		})
	}
}

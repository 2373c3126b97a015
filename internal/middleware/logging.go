package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// wrapWriter はステータスコードと書き込みバイト数を取得できるResponseWriterを返す。
func wrapWriter(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// responseStatus はハンドラーが明示的に書き込まなかった場合に200を返す。
func responseStatus(ww chimw.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

// routePattern はchiのルートパターン（例: /api/records/{id}）を返す。
// chiを経由しないリクエストではURLパスを返す。
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// logLevelFor は5xxをERROR、4xxをWARN、それ以外をINFOにする。
func logLevelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware は1リクエスト1行のアクセスログを出力するミドルウェアを返す。
// session_idはセッションミドルウェアより内側に置いた場合のみ出力される。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrapWriter(w, r)

			next.ServeHTTP(ww, r)

			status := responseStatus(ww)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routePattern(r)),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if sessionID, err := SessionIDFromContext(r.Context()); err == nil {
				attrs = append(attrs, slog.String("session_id", sessionID))
			}

			logger.LogAttrs(r.Context(), logLevelFor(status), "http_request", attrs...)
		})
	}
}

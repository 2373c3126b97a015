package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラー内のpanicを捕捉して500を返すミドルウェアを生成する。
// http.ErrAbortHandlerはnet/httpに処理させるため再度panicする。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []slog.Attr{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("route", routePattern(r)),
					slog.String("stack", string(debug.Stack())),
				}
				if sessionID, err := SessionIDFromContext(r.Context()); err == nil {
					attrs = append(attrs, slog.String("session_id", sessionID))
				}
				logger.LogAttrs(r.Context(), slog.LevelError, "ハンドラーでpanicが発生しました", attrs...)

				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// SessionCookieName はセッションIDを保持するCookie名。
	SessionCookieName = "vv_session"
	// SessionHeader はセッションIDを明示的に渡すリクエストヘッダー。
	SessionHeader = "X-Session-ID"

	sessionCookieMaxAge = 365 * 24 * time.Hour
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionIDContextKey はリクエストコンテキストにセッションIDを格納するためのキー。
var sessionIDContextKey = contextKey("session_id")

// SessionConfig はセッションCookieの属性を保持する。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はリクエストのセッションIDを確定させるミドルウェアを返す。
// X-Session-IDヘッダー、vv_session Cookieの順に参照し、
// どちらにも有効なUUIDがない場合は新しいIDを発行してCookieに設定する。
// セッションIDは実験バリアントの割り当てとフィードバックの紐付けにだけ使い、認証は行わない。
func NewSessionMiddleware(cfg SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionFromRequest(r)
			if sessionID == "" {
				sessionID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookieName,
					Value:    sessionID,
					Path:     "/",
					Domain:   cfg.CookieDomain,
					MaxAge:   int(sessionCookieMaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cfg.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			w.Header().Set(SessionHeader, sessionID)

			ctx := context.WithValue(r.Context(), sessionIDContextKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionFromRequest はヘッダーまたはCookieから有効なセッションIDを取り出す。
func sessionFromRequest(r *http.Request) string {
	if v := r.Header.Get(SessionHeader); validSessionID(v) {
		return v
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && validSessionID(c.Value) {
		return c.Value
	}
	return ""
}

func validSessionID(v string) bool {
	if v == "" {
		return false
	}
	_, err := uuid.Parse(v)
	return err == nil
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionIDFromContext(ctx context.Context) (string, error) {
	sessionID, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return sessionID, nil
}

// ContextWithSessionID はコンテキストにセッションIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

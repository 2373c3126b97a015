package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/security"
)

// HealthChecker はヘルスチェック用のインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	Session           middleware.SessionConfig
	RateLimiter       *middleware.RateLimiter
	HTTPRecorder      middleware.HTTPRecorder // nilの場合はHTTPメトリクスを記録しない
	MetricsHandler    http.Handler            // nilの場合は/metricsを公開しない
	HealthChecker     HealthChecker

	// 同期
	Sync        SyncController
	SyncHistory SyncHistoryReader
	Connection  ConnectionChecker

	// 選曲
	Selection SelectionService

	// レコード
	Records   RecordStore
	Player    PlayRecorder
	Sanitizer security.TextSanitizerService
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Metrics → Recovery → SecurityHeaders → CORS → Session → Logging → RateLimit(General)
//
// /health と /metrics はセッションとレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.HTTPRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.HTTPRecorder))
	}
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	syncHandler := NewSyncHandler(deps.Sync, deps.SyncHistory, deps.Connection)
	selectionHandler := NewSelectionHandler(deps.Selection)
	recordHandler := NewRecordHandler(deps.Records, deps.Player, deps.Sanitizer)

	// --- 運用向けのルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- APIルート ---
	// ミドルウェアスタック: Session → Logging → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Session))
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/sync", func(r chi.Router) {
			// POST /api/sync - 同期開始（同期開始専用レート制限を追加）
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/", syncHandler.StartSync)
			r.Get("/", syncHandler.GetSyncStatus)
			r.Delete("/", syncHandler.CancelSync)
			r.Get("/history", syncHandler.ListHistory)
			r.Get("/check", syncHandler.CheckConnection)
		})

		r.Route("/api/random", func(r chi.Router) {
			r.Get("/", selectionHandler.GetRandom)
			r.Get("/stats", selectionHandler.GetStats)
			r.Post("/{id}/feedback", selectionHandler.SubmitFeedback)
		})

		r.Route("/api/records/{id}", func(r chi.Router) {
			r.Get("/", recordHandler.GetRecord)
			r.Patch("/", recordHandler.UpdateRecord)
			r.Post("/played", recordHandler.MarkPlayed)
		})
	})

	return r
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

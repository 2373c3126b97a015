package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loydmilligan/vinylvault/internal/discogs"
	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/worker/syncer"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// SyncController は同期ハンドラーが必要とする同期制御のインターフェース。
type SyncController interface {
	// Start は同期をバックグラウンドで開始する。実行中の場合はErrSyncAlreadyRunningを返す。
	Start(ctx context.Context, forceFull bool) error
	// Cancel は実行中の同期に中断を要求する。
	Cancel() error
	// Status は現在の同期状態のスナップショットを返す。
	Status() model.SyncState
}

// SyncHistoryReader は同期履歴の読み取りインターフェース。
type SyncHistoryReader interface {
	ListRecent(ctx context.Context, limit int) ([]model.SyncLogEntry, error)
}

// ConnectionChecker はリモートAPIへの接続確認インターフェース。
type ConnectionChecker interface {
	Identity(ctx context.Context) (*discogs.Identity, error)
}

// SyncHandler は同期制御のHTTPハンドラー。
type SyncHandler struct {
	sync    SyncController
	history SyncHistoryReader
	checker ConnectionChecker
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(sync SyncController, history SyncHistoryReader, checker ConnectionChecker) *SyncHandler {
	return &SyncHandler{
		sync:    sync,
		history: history,
		checker: checker,
	}
}

// startSyncRequest は同期開始リクエストのボディ。省略可能。
type startSyncRequest struct {
	ForceFull bool `json:"force_full"`
}

// syncStatusResponse は同期状態のレスポンス。
type syncStatusResponse struct {
	RunID               string     `json:"run_id,omitempty"`
	Status              string     `json:"status"`
	ForceFull           bool       `json:"force_full"`
	ProcessedCount      int        `json:"processed_count"`
	TotalCount          int        `json:"total_count"`
	ProgressPercent     float64    `json:"progress_percent"`
	CurrentPage         int        `json:"current_page"`
	ErrorCount          int        `json:"error_count"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
}

// syncLogResponse は同期履歴1件のレスポンス。
type syncLogResponse struct {
	ID           int64     `json:"id"`
	SyncedAt     time.Time `json:"synced_at"`
	ItemsSynced  int       `json:"items_synced"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// connectionResponse は接続確認のレスポンス。
type connectionResponse struct {
	OK       bool   `json:"ok"`
	Username string `json:"username"`
}

func toSyncStatusResponse(s model.SyncState) syncStatusResponse {
	return syncStatusResponse{
		RunID:               s.RunID,
		Status:              string(s.Status),
		ForceFull:           s.ForceFull,
		ProcessedCount:      s.ProcessedCount,
		TotalCount:          s.TotalCount,
		ProgressPercent:     s.ProgressPercent(),
		CurrentPage:         s.CurrentPage,
		ErrorCount:          s.ErrorCount,
		StartedAt:           s.StartedAt,
		FinishedAt:          s.FinishedAt,
		EstimatedCompletion: s.EstimatedCompletion,
		LastError:           s.LastError,
		LastErrorKind:       string(s.LastErrorKind),
	}
}

// StartSync は同期を開始する。
// POST /api/sync
// ボディの force_full またはクエリ ?full=true で全件同期を指定できる。
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return
	}
	if full, err := strconv.ParseBool(r.URL.Query().Get("full")); err == nil && full {
		req.ForceFull = true
	}

	if err := h.sync.Start(r.Context(), req.ForceFull); err != nil {
		if errors.Is(err, syncer.ErrSyncAlreadyRunning) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSyncAlreadyRunningError())
			return
		}
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, toSyncStatusResponse(h.sync.Status()))
}

// GetSyncStatus は現在の同期状態を返す。
// GET /api/sync
func (h *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, toSyncStatusResponse(h.sync.Status()))
}

// CancelSync は実行中の同期を中断する。
// DELETE /api/sync
func (h *SyncHandler) CancelSync(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Cancel(); err != nil {
		if errors.Is(err, syncer.ErrSyncNotRunning) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSyncNotRunningError())
			return
		}
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, toSyncStatusResponse(h.sync.Status()))
}

// ListHistory は同期履歴を新しい順に返す。
// GET /api/sync/history?limit=20
func (h *SyncHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limitには正の整数を指定してください"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]syncLogResponse, len(entries))
	for i, e := range entries {
		results[i] = syncLogResponse{
			ID:           e.ID,
			SyncedAt:     e.SyncedAt,
			ItemsSynced:  e.ItemsSynced,
			Status:       string(e.Status),
			ErrorMessage: e.ErrorMessage,
		}
	}
	middleware.WriteJSON(w, http.StatusOK, results)
}

// CheckConnection はリモートAPIの認証情報を検証する。
// GET /api/sync/check
func (h *SyncHandler) CheckConnection(w http.ResponseWriter, r *http.Request) {
	identity, err := h.checker.Identity(r.Context())
	if err != nil {
		slog.Warn("リモートAPIへの接続確認に失敗しました", slog.String("error", err.Error()))
		kind := model.ErrorKindOf(err)
		if kind == model.KindAuthentication {
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewRemoteAuthError())
			return
		}
		if kind == "" {
			kind = "unknown"
		}
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewRemoteUnavailableError(string(kind)))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, connectionResponse{OK: true, Username: identity.Username})
}

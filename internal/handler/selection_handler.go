package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/selection"
)

// SelectionService は選曲ハンドラーが必要とするサービスインターフェース。
type SelectionService interface {
	// GetRandomSelection はセッションに割り当てられたプールから1件選ぶ。
	GetRandomSelection(ctx context.Context, sessionID string) (*model.SelectionResult, error)
	// SubmitFeedback はセッションに提供したレコードへのフィードバックを記録する。
	SubmitFeedback(ctx context.Context, sessionID string, externalID int64, score int) error
	// GetAlgorithmStats は選曲エンジンの診断情報を返す。
	GetAlgorithmStats(ctx context.Context) (*selection.AlgorithmStats, error)
}

// SelectionHandler はランダム選曲のHTTPハンドラー。
type SelectionHandler struct {
	service SelectionService
}

// NewSelectionHandler はSelectionHandlerを生成する。
func NewSelectionHandler(service SelectionService) *SelectionHandler {
	return &SelectionHandler{service: service}
}

// selectionResponse はランダム選曲のレスポンス。
// コレクションが空の場合はEmptyがtrueとなりRecordは含まれない。
type selectionResponse struct {
	Empty    bool                   `json:"empty"`
	Record   *recordResponse        `json:"record,omitempty"`
	Factors  *model.WeightBreakdown `json:"factors,omitempty"`
	Variant  string                 `json:"variant,omitempty"`
	CacheHit bool                   `json:"cache_hit"`
	Fallback bool                   `json:"fallback"`
	Message  string                 `json:"message,omitempty"`
}

// feedbackRequest はフィードバックリクエストのボディ。
type feedbackRequest struct {
	Score *int `json:"score" validate:"required,oneof=-1 0 1"`
}

// GetRandom はランダムに1枚選んで返す。
// GET /api/random
func (h *SelectionHandler) GetRandom(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	result, err := h.service.GetRandomSelection(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, selection.ErrEmptyCollection) {
			middleware.WriteJSON(w, http.StatusOK, selectionResponse{
				Empty:   true,
				Message: model.NewEmptyCollectionError().Message,
			})
			return
		}
		handleServiceError(w, err)
		return
	}

	rec := toRecordResponse(result.Record)
	factors := result.Factors
	middleware.WriteJSON(w, http.StatusOK, selectionResponse{
		Record:   &rec,
		Factors:  &factors,
		Variant:  result.Variant,
		CacheHit: result.CacheHit,
		Fallback: result.Fallback,
	})
}

// SubmitFeedback は提供済みレコードへのフィードバックを記録する。
// POST /api/random/{id}/feedback
func (h *SelectionHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	id, err := recordIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return
	}
	if err := validate.Struct(req); err != nil {
		if req.Score != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFeedbackError(*req.Score))
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, validationError(err))
		return
	}

	switch err := h.service.SubmitFeedback(r.Context(), sessionID, id, *req.Score); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, selection.ErrInvalidFeedback):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFeedbackError(*req.Score))
	case errors.Is(err, selection.ErrNotServed):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotServedError(id))
	default:
		slog.Error("フィードバックの記録に失敗しました",
			slog.Int64("record_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}

// GetStats は選曲エンジンの診断情報を返す。
// GET /api/random/stats
func (h *SelectionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetAlgorithmStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stats)
}

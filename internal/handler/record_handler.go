package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/security"
	"github.com/loydmilligan/vinylvault/internal/selection"
)

// RecordStore はレコードハンドラーが必要とするストアのインターフェース。
type RecordStore interface {
	// GetByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, externalID int64) (*model.Record, error)
	// SetUserEdited はローカルで編集された評価・メモを保存する。
	SetUserEdited(ctx context.Context, externalID int64, rating int, note *string) (bool, error)
}

// PlayRecorder は再生記録のインターフェース。
type PlayRecorder interface {
	MarkPlayed(ctx context.Context, externalID int64) error
}

// RecordHandler はレコード参照・編集のHTTPハンドラー。
type RecordHandler struct {
	store     RecordStore
	player    PlayRecorder
	sanitizer security.TextSanitizerService
}

// NewRecordHandler はRecordHandlerを生成する。
func NewRecordHandler(store RecordStore, player PlayRecorder, sanitizer security.TextSanitizerService) *RecordHandler {
	return &RecordHandler{
		store:     store,
		player:    player,
		sanitizer: sanitizer,
	}
}

// recordResponse はレコードのレスポンス。
type recordResponse struct {
	ID                 int64         `json:"id"`
	Title              string        `json:"title"`
	PrimaryAttribution string        `json:"artist"`
	Year               *int          `json:"year,omitempty"`
	Tags               []string      `json:"genres"`
	Subtags            []string      `json:"styles"`
	CoverRef           string        `json:"cover_ref,omitempty"`
	Tracks             []model.Track `json:"tracks"`
	Note               *string       `json:"note,omitempty"`
	Rating             int           `json:"rating"`
	AddedAt            time.Time     `json:"added_at"`
	PlayCount          int           `json:"play_count"`
	LastPlayedAt       *time.Time    `json:"last_played_at,omitempty"`
	UserEdited         bool          `json:"user_edited"`
}

// updateRecordRequest はレコード編集リクエストのボディ。
type updateRecordRequest struct {
	Rating *int    `json:"rating" validate:"required,min=0,max=5"`
	Note   *string `json:"note" validate:"omitempty,max=2000"`
}

func toRecordResponse(rec model.Record) recordResponse {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	subtags := rec.Subtags
	if subtags == nil {
		subtags = []string{}
	}
	tracks := rec.Tracks
	if tracks == nil {
		tracks = []model.Track{}
	}
	return recordResponse{
		ID:                 rec.ExternalID,
		Title:              rec.Title,
		PrimaryAttribution: rec.PrimaryAttribution,
		Year:               rec.Year,
		Tags:               tags,
		Subtags:            subtags,
		CoverRef:           rec.CoverRef,
		Tracks:             tracks,
		Note:               rec.Note,
		Rating:             rec.Rating,
		AddedAt:            rec.AddedAt,
		PlayCount:          rec.PlayCount,
		LastPlayedAt:       rec.LastPlayedAt,
		UserEdited:         rec.UserEdited,
	}
}

// GetRecord はレコード詳細を返す。
// GET /api/records/{id}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rec == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(id))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toRecordResponse(*rec))
}

// UpdateRecord は評価とメモをローカルで編集する。
// PATCH /api/records/{id}
// 編集済みのレコードは再同期ポリシーがpreserve_user_editsの場合に上書きされない。
func (h *RecordHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return
	}
	if err := validate.Struct(req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, validationError(err))
		return
	}

	var note *string
	if req.Note != nil {
		cleaned := h.sanitizer.SanitizeText(*req.Note)
		if cleaned != "" {
			note = &cleaned
		}
	}

	ok, err := h.store.SetUserEdited(r.Context(), id, *req.Rating, note)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(id))
		return
	}

	h.GetRecord(w, r)
}

// MarkPlayed はレコードを再生済みとして記録する。
// POST /api/records/{id}/played
func (h *RecordHandler) MarkPlayed(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.player.MarkPlayed(r.Context(), id); err != nil {
		if errors.Is(err, selection.ErrRecordNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(id))
			return
		}
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/loydmilligan/vinylvault/internal/discogs"
	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/selection"
)

// --- モック定義 ---

// mockSyncController はSyncControllerのモック実装。
type mockSyncController struct {
	startFn  func(ctx context.Context, forceFull bool) error
	cancelFn func() error
	statusFn func() model.SyncState
}

func (m *mockSyncController) Start(ctx context.Context, forceFull bool) error {
	if m.startFn != nil {
		return m.startFn(ctx, forceFull)
	}
	return nil
}

func (m *mockSyncController) Cancel() error {
	if m.cancelFn != nil {
		return m.cancelFn()
	}
	return nil
}

func (m *mockSyncController) Status() model.SyncState {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return model.SyncState{Status: model.SyncStatusIdle}
}

// mockSyncHistory はSyncHistoryReaderのモック実装。
type mockSyncHistory struct {
	listRecentFn func(ctx context.Context, limit int) ([]model.SyncLogEntry, error)
}

func (m *mockSyncHistory) ListRecent(ctx context.Context, limit int) ([]model.SyncLogEntry, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, limit)
	}
	return nil, nil
}

// mockConnectionChecker はConnectionCheckerのモック実装。
type mockConnectionChecker struct {
	identityFn func(ctx context.Context) (*discogs.Identity, error)
}

func (m *mockConnectionChecker) Identity(ctx context.Context) (*discogs.Identity, error) {
	if m.identityFn != nil {
		return m.identityFn(ctx)
	}
	return &discogs.Identity{ID: 1, Username: "collector"}, nil
}

// mockSelectionService はSelectionServiceのモック実装。
type mockSelectionService struct {
	getRandomFn      func(ctx context.Context, sessionID string) (*model.SelectionResult, error)
	submitFeedbackFn func(ctx context.Context, sessionID string, externalID int64, score int) error
	statsFn          func(ctx context.Context) (*selection.AlgorithmStats, error)
}

func (m *mockSelectionService) GetRandomSelection(ctx context.Context, sessionID string) (*model.SelectionResult, error) {
	if m.getRandomFn != nil {
		return m.getRandomFn(ctx, sessionID)
	}
	return nil, selection.ErrEmptyCollection
}

func (m *mockSelectionService) SubmitFeedback(ctx context.Context, sessionID string, externalID int64, score int) error {
	if m.submitFeedbackFn != nil {
		return m.submitFeedbackFn(ctx, sessionID, externalID, score)
	}
	return nil
}

func (m *mockSelectionService) GetAlgorithmStats(ctx context.Context) (*selection.AlgorithmStats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return &selection.AlgorithmStats{}, nil
}

// mockRecordStore はRecordStoreのモック実装。
type mockRecordStore struct {
	getByIDFn       func(ctx context.Context, externalID int64) (*model.Record, error)
	setUserEditedFn func(ctx context.Context, externalID int64, rating int, note *string) (bool, error)
}

func (m *mockRecordStore) GetByID(ctx context.Context, externalID int64) (*model.Record, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, externalID)
	}
	return nil, nil
}

func (m *mockRecordStore) SetUserEdited(ctx context.Context, externalID int64, rating int, note *string) (bool, error) {
	if m.setUserEditedFn != nil {
		return m.setUserEditedFn(ctx, externalID, rating, note)
	}
	return false, nil
}

// mockPlayRecorder はPlayRecorderのモック実装。
type mockPlayRecorder struct {
	markPlayedFn func(ctx context.Context, externalID int64) error
}

func (m *mockPlayRecorder) MarkPlayed(ctx context.Context, externalID int64) error {
	if m.markPlayedFn != nil {
		return m.markPlayedFn(ctx, externalID)
	}
	return nil
}

// stripSanitizer はテスト用のTextSanitizerService。タグの除去だけを模倣する。
type stripSanitizer struct{}

func (stripSanitizer) SanitizeText(raw string) string {
	out := make([]rune, 0, len(raw))
	inTag := false
	for _, r := range raw {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out = append(out, r)
		}
	}
	return string(out)
}

// --- ヘルパー ---

// withSessionID はテスト用にセッションIDをコンテキストに注入するヘルパー。
func withSessionID(r *http.Request, sessionID string) *http.Request {
	return r.WithContext(middleware.ContextWithSessionID(r.Context(), sessionID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	body := decodeErrorBody(t, w)
	return map[string]string{
		"code":     body.Code,
		"message":  body.Message,
		"category": body.Category,
		"action":   body.Action,
	}
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func sampleRecord(id int64) model.Record {
	year := 1959
	return model.Record{
		ExternalID:         id,
		Title:              "Kind of Blue",
		PrimaryAttribution: "Miles Davis",
		Year:               &year,
		Tags:               []string{"Jazz"},
		Subtags:            []string{"Modal"},
		Rating:             5,
	}
}

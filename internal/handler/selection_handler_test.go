package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/selection"
)

// --- GET /api/random テスト ---

func TestSelectionHandler_GetRandom_Success(t *testing.T) {
	svc := &mockSelectionService{
		getRandomFn: func(ctx context.Context, sessionID string) (*model.SelectionResult, error) {
			if sessionID != "session-1" {
				t.Errorf("sessionID = %q, want %q", sessionID, "session-1")
			}
			return &model.SelectionResult{
				Record:   sampleRecord(42),
				Factors:  model.WeightBreakdown{Base: 1, Rating: 3, Final: 3},
				Variant:  "control",
				CacheHit: true,
			}, nil
		},
	}
	h := NewSelectionHandler(svc)

	req := withSessionID(httptest.NewRequest(http.MethodGet, "/api/random", nil), "session-1")
	w := httptest.NewRecorder()
	h.GetRandom(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body selectionResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Empty {
		t.Error("empty should be false")
	}
	if body.Record == nil || body.Record.ID != 42 || body.Record.PrimaryAttribution != "Miles Davis" {
		t.Errorf("record = %+v", body.Record)
	}
	if body.Factors == nil || body.Factors.Final != 3 {
		t.Errorf("factors = %+v", body.Factors)
	}
	if !body.CacheHit || body.Variant != "control" {
		t.Errorf("cache_hit = %v, variant = %q", body.CacheHit, body.Variant)
	}
}

func TestSelectionHandler_GetRandom_EmptyCollection_ReturnsEmptyResult(t *testing.T) {
	h := NewSelectionHandler(&mockSelectionService{})

	req := withSessionID(httptest.NewRequest(http.MethodGet, "/api/random", nil), "session-1")
	w := httptest.NewRecorder()
	h.GetRandom(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body selectionResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !body.Empty || body.Record != nil {
		t.Errorf("body = %+v, want empty result", body)
	}
	if body.Message == "" {
		t.Error("message should explain the empty collection")
	}
}

func TestSelectionHandler_GetRandom_InternalError(t *testing.T) {
	svc := &mockSelectionService{
		getRandomFn: func(ctx context.Context, sessionID string) (*model.SelectionResult, error) {
			return nil, errors.New("db down")
		},
	}
	h := NewSelectionHandler(svc)

	req := withSessionID(httptest.NewRequest(http.MethodGet, "/api/random", nil), "session-1")
	w := httptest.NewRecorder()
	h.GetRandom(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- POST /api/random/{id}/feedback テスト ---

func TestSelectionHandler_SubmitFeedback_Success(t *testing.T) {
	var gotID int64
	var gotScore int
	svc := &mockSelectionService{
		submitFeedbackFn: func(ctx context.Context, sessionID string, externalID int64, score int) error {
			gotID = externalID
			gotScore = score
			return nil
		},
	}
	h := NewSelectionHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/random/42/feedback", strings.NewReader(`{"score":-1}`))
	req = withChiURLParam(withSessionID(req, "session-1"), "id", "42")
	w := httptest.NewRecorder()
	h.SubmitFeedback(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotID != 42 || gotScore != -1 {
		t.Errorf("id = %d, score = %d", gotID, gotScore)
	}
}

func TestSelectionHandler_SubmitFeedback_Errors(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		body       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{"invalid id", "abc", `{"score":1}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRecordID},
		{"zero id", "0", `{"score":1}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRecordID},
		{"score out of range", "42", `{"score":5}`, nil, http.StatusBadRequest, model.ErrCodeInvalidFeedback},
		{"missing score", "42", `{}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"broken json", "42", `{`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"not served", "42", `{"score":1}`, selection.ErrNotServed, http.StatusNotFound, model.ErrCodeNotServed},
		{"rejected by engine", "42", `{"score":1}`, selection.ErrInvalidFeedback, http.StatusBadRequest, model.ErrCodeInvalidFeedback},
		{"store failure", "42", `{"score":1}`, errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSelectionService{
				submitFeedbackFn: func(ctx context.Context, sessionID string, externalID int64, score int) error {
					return tt.serviceErr
				},
			}
			h := NewSelectionHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/random/"+tt.id+"/feedback", strings.NewReader(tt.body))
			req = withChiURLParam(withSessionID(req, "session-1"), "id", tt.id)
			w := httptest.NewRecorder()
			h.SubmitFeedback(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

// --- GET /api/random/stats テスト ---

func TestSelectionHandler_GetStats(t *testing.T) {
	svc := &mockSelectionService{
		statsFn: func(ctx context.Context) (*selection.AlgorithmStats, error) {
			return &selection.AlgorithmStats{
				MetricsSnapshot: selection.MetricsSnapshot{TotalServed: 10, CacheHitRate: 0.9},
				DiversityScore:  0.5,
				HistorySize:     10,
				Pools:           []selection.PoolStats{{Variant: "control", Size: 20, Remaining: 12}},
				Config:          config.DefaultAlgorithmConfig(),
			}, nil
		},
	}
	h := NewSelectionHandler(svc)

	w := httptest.NewRecorder()
	h.GetStats(w, httptest.NewRequest(http.MethodGet, "/api/random/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, key := range []string{"total_served", "cache_hit_rate", "diversity_score", "history_size", "pools", "config"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing field %q in stats response", key)
		}
	}
	cfg, _ := body["config"].(map[string]any)
	if cfg["cache_size"] != float64(20) {
		t.Errorf("config.cache_size = %v, want 20", cfg["cache_size"])
	}
}

func TestSelectionHandler_GetStats_Error(t *testing.T) {
	svc := &mockSelectionService{
		statsFn: func(ctx context.Context) (*selection.AlgorithmStats, error) {
			return nil, errors.New("db down")
		},
	}
	h := NewSelectionHandler(svc)

	w := httptest.NewRecorder()
	h.GetStats(w, httptest.NewRequest(http.MethodGet, "/api/random/stats", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

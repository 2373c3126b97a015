package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/loydmilligan/vinylvault/internal/middleware"
	"github.com/loydmilligan/vinylvault/internal/model"
)

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter(t *testing.T, health HealthChecker) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(0))
	t.Cleanup(rl.Stop)

	store := &mockRecordStore{
		getByIDFn: func(ctx context.Context, externalID int64) (*model.Record, error) {
			rec := sampleRecord(externalID)
			return &rec, nil
		},
		setUserEditedFn: func(ctx context.Context, externalID int64, rating int, note *string) (bool, error) {
			return true, nil
		},
	}
	deps := &RouterDeps{
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Session:        middleware.SessionConfig{},
		RateLimiter:    rl,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "# metrics") }),
		HealthChecker:  health,
		Sync:           &mockSyncController{},
		SyncHistory:    &mockSyncHistory{},
		Connection:     &mockConnectionChecker{},
		Selection: &mockSelectionService{
			getRandomFn: func(ctx context.Context, sessionID string) (*model.SelectionResult, error) {
				return &model.SelectionResult{Record: sampleRecord(1), Variant: "control"}, nil
			},
		},
		Records:   store,
		Player:    &mockPlayRecorder{},
		Sanitizer: stripSanitizer{},
	}
	return NewRouter(deps)
}

func TestNewRouter_AllEndpoints(t *testing.T) {
	router := createTestRouter(t, &mockHealthChecker{})

	tests := []struct {
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/api/sync", "", http.StatusAccepted},
		{http.MethodGet, "/api/sync", "", http.StatusOK},
		{http.MethodDelete, "/api/sync", "", http.StatusAccepted},
		{http.MethodGet, "/api/sync/history", "", http.StatusOK},
		{http.MethodGet, "/api/sync/check", "", http.StatusOK},
		{http.MethodGet, "/api/random", "", http.StatusOK},
		{http.MethodGet, "/api/random/stats", "", http.StatusOK},
		{http.MethodPost, "/api/random/1/feedback", `{"score":1}`, http.StatusNoContent},
		{http.MethodGet, "/api/records/1", "", http.StatusOK},
		{http.MethodPatch, "/api/records/1", `{"rating":4}`, http.StatusOK},
		{http.MethodPost, "/api/records/1/played", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, body))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body=%s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestNewRouter_APIRoutesIssueSession(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/random", nil))

	if _, err := uuid.Parse(w.Header().Get(middleware.SessionHeader)); err != nil {
		t.Errorf("%s = %q, want UUID", middleware.SessionHeader, w.Header().Get(middleware.SessionHeader))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get(middleware.SessionHeader) != "" {
		t.Error("/health should not issue a session")
	}
}

func TestNewRouter_Health_Unavailable(t *testing.T) {
	router := createTestRouter(t, &mockHealthChecker{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNewRouter_SyncStartHasOwnRateLimit(t *testing.T) {
	router := createTestRouter(t, nil)

	var last int
	for i := 0; i < 7; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("7th POST /api/sync: status = %d, want %d", last, http.StatusTooManyRequests)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /api/sync after sync limit: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_NotFound(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feeds", bytes.NewReader(nil)))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

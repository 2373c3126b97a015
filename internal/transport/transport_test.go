package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loydmilligan/vinylvault/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// recordingSleeper は待機時間を記録し、実際には待たない。
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	l.calls.Add(1)
	return nil
}

type mockObserver struct {
	mu       sync.Mutex
	outcomes []string
	retries  int
	states   map[string]int
}

func (o *mockObserver) RecordRemoteRequest(outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *mockObserver) RecordRemoteRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *mockObserver) SetCircuitBreakerState(name string, state int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = map[string]int{}
	}
	o.states[name] = state
}

func newTestTransport(t *testing.T, cfg Config, limiter Limiter, observer Observer) (*Transport, *recordingSleeper) {
	t.Helper()
	var buf bytes.Buffer
	tr := New(cfg, limiter, observer, newTestLogger(&buf))
	s := &recordingSleeper{}
	tr.sleep = s.Sleep
	return tr, s
}

// failingServer は最初のfailures回だけstatusを返し、以降は200を返す。
func failingServer(t *testing.T, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGet_TwoFailuresThenSuccess_ReturnsResponse(t *testing.T) {
	srv, calls := failingServer(t, 2, http.StatusInternalServerError)
	limiter := &countingLimiter{}
	tr, sleeper := newTestTransport(t, Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}, limiter, nil)

	resp, err := tr.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("3回目で成功するはずがエラーになりました: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Body = %q, want %q", resp.Body, `{"ok":true}`)
	}
	if calls.Load() != 3 {
		t.Errorf("サーバー呼び出し回数 = %d, want 3", calls.Load())
	}
	if limiter.calls.Load() != 3 {
		t.Errorf("レートリミッター呼び出し回数 = %d, want 3", limiter.calls.Load())
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("バックオフ回数 = %d, want %d", len(sleeper.delays), len(want))
	}
	for i, d := range want {
		if sleeper.delays[i] != d {
			t.Errorf("delays[%d] = %v, want %v", i, sleeper.delays[i], d)
		}
	}
}

func TestGet_FourFailures_ReturnsConnectionError(t *testing.T) {
	srv, calls := failingServer(t, 100, http.StatusServiceUnavailable)
	tr, _ := newTestTransport(t, Config{MaxRetries: 3}, nil, nil)

	_, err := tr.Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("エラーが返されるべきです")
	}
	if !model.IsKind(err, model.KindConnection) {
		t.Errorf("エラー種別 = %q, want %q", model.ErrorKindOf(err), model.KindConnection)
	}
	if calls.Load() != 4 {
		t.Errorf("サーバー呼び出し回数 = %d, want 4", calls.Load())
	}
}

func TestGet_Unauthorized_NoRetry(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv, calls := failingServer(t, 100, status)
		tr, sleeper := newTestTransport(t, Config{MaxRetries: 3}, nil, nil)

		_, err := tr.Get(context.Background(), srv.URL, nil)
		if !model.IsKind(err, model.KindAuthentication) {
			t.Errorf("status %d: エラー種別 = %q, want %q", status, model.ErrorKindOf(err), model.KindAuthentication)
		}
		if calls.Load() != 1 {
			t.Errorf("status %d: サーバー呼び出し回数 = %d, want 1", status, calls.Load())
		}
		if len(sleeper.delays) != 0 {
			t.Errorf("status %d: 認証エラーでバックオフが発生しました", status)
		}
	}
}

func TestGet_ClientErrors_NoRetry(t *testing.T) {
	tests := []struct {
		status int
		want   model.ErrorKind
	}{
		{http.StatusNotFound, model.KindNotFound},
		{http.StatusBadRequest, model.KindAPI},
		{http.StatusUnprocessableEntity, model.KindAPI},
	}
	for _, tt := range tests {
		srv, calls := failingServer(t, 100, tt.status)
		tr, _ := newTestTransport(t, Config{MaxRetries: 3}, nil, nil)

		_, err := tr.Get(context.Background(), srv.URL, nil)
		if !model.IsKind(err, tt.want) {
			t.Errorf("status %d: エラー種別 = %q, want %q", tt.status, model.ErrorKindOf(err), tt.want)
		}
		if calls.Load() != 1 {
			t.Errorf("status %d: サーバー呼び出し回数 = %d, want 1", tt.status, calls.Load())
		}
	}
}

func TestGet_RateLimitExhausted_ReturnsRateLimitError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, sleeper := newTestTransport(t, Config{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}, nil, nil)

	_, err := tr.Get(context.Background(), srv.URL, nil)
	var se *model.SourceError
	if !errors.As(err, &se) {
		t.Fatalf("SourceErrorが返されるべきです: %v", err)
	}
	if se.Kind != model.KindRateLimit {
		t.Errorf("Kind = %q, want %q", se.Kind, model.KindRateLimit)
	}
	if se.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", se.RetryAfter)
	}
	if calls.Load() != 3 {
		t.Errorf("サーバー呼び出し回数 = %d, want 3", calls.Load())
	}
	// Retry-Afterが計算上の遅延より長いのでそちらが優先される
	for i, d := range sleeper.delays {
		if d != 5*time.Second {
			t.Errorf("delays[%d] = %v, want 5s", i, d)
		}
	}
}

func TestGet_ConnectionRefused_ReturnsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr, sleeper := newTestTransport(t, Config{MaxRetries: 1, ConnectTimeout: time.Second}, nil, nil)

	_, err := tr.Get(context.Background(), url, nil)
	if !model.IsKind(err, model.KindConnection) {
		t.Errorf("エラー種別 = %q, want %q", model.ErrorKindOf(err), model.KindConnection)
	}
	if len(sleeper.delays) != 1 {
		t.Errorf("バックオフ回数 = %d, want 1", len(sleeper.delays))
	}
}

func TestGet_SendsHeaders(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, _ := newTestTransport(t, Config{UserAgent: "VinylVaultTest/1.0"}, nil, nil)
	h := http.Header{}
	h.Set("Authorization", "Discogs token=abc")

	if _, err := tr.Get(context.Background(), srv.URL, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Discogs token=abc" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Discogs token=abc")
	}
	if gotUA != "VinylVaultTest/1.0" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "VinylVaultTest/1.0")
	}
}

func TestGet_ReadTimeout_IsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, _ := newTestTransport(t, Config{MaxRetries: 1, ReadTimeout: 100 * time.Millisecond}, nil, nil)

	if _, err := tr.Get(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("読み取りタイムアウト後のリトライで成功するはずです: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("サーバー呼び出し回数 = %d, want 2", calls.Load())
	}
}

func TestGet_BreakerOpens_FailsFast(t *testing.T) {
	srv, calls := failingServer(t, 100, http.StatusBadGateway)
	observer := &mockObserver{}
	tr, _ := newTestTransport(t, Config{MaxRetries: 0, BreakerTripAfter: 2, BreakerTimeout: time.Hour}, nil, observer)

	for i := 0; i < 2; i++ {
		if _, err := tr.Get(context.Background(), srv.URL, nil); err == nil {
			t.Fatalf("call %d: エラーが返されるべきです", i+1)
		}
	}

	_, err := tr.Get(context.Background(), srv.URL, nil)
	if !model.IsKind(err, model.KindConnection) {
		t.Errorf("エラー種別 = %q, want %q", model.ErrorKindOf(err), model.KindConnection)
	}
	if calls.Load() != 2 {
		t.Errorf("ブレーカーが開いた後にサーバーが呼ばれました: calls = %d, want 2", calls.Load())
	}
	if !errors.Is(err, model.ErrCircuitOpen) {
		t.Errorf("リクエストを送らずに遮断されたエラーはErrCircuitOpenを含むべきです: %v", err)
	}
	var se *model.SourceError
	if !errors.As(err, &se) || se.RetryAfter <= 0 || se.RetryAfter > time.Hour {
		t.Errorf("RetryAfterはhalf-openまでの残り時間であるべきです: %+v", se)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if observer.states["remote-api"] == 0 {
		t.Error("ブレーカーの状態変化がObserverに通知されていません")
	}
}

func TestGet_BreakerOpensMidCall_CountsAsConnectionError(t *testing.T) {
	srv, calls := failingServer(t, 100, http.StatusServiceUnavailable)
	tr, _ := newTestTransport(t, Config{MaxRetries: 3, BreakerTripAfter: 2, BreakerTimeout: time.Minute}, nil, nil)

	_, err := tr.Get(context.Background(), srv.URL, nil)
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if !model.IsKind(err, model.KindConnection) {
		t.Errorf("エラー種別 = %q, want %q", model.ErrorKindOf(err), model.KindConnection)
	}
	// 実際にリクエストを送った呼び出しは遮断扱いにしない
	if errors.Is(err, model.ErrCircuitOpen) {
		t.Errorf("リクエスト送信後の遮断はErrCircuitOpenを含むべきではありません: %v", err)
	}
	var se *model.SourceError
	if !errors.As(err, &se) || se.RetryAfter <= 0 || se.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %+v, want (0, 1m]", se)
	}
}

func TestGet_AuthErrorsDoNotTripBreaker(t *testing.T) {
	srv, calls := failingServer(t, 100, http.StatusUnauthorized)
	tr, _ := newTestTransport(t, Config{MaxRetries: 0, BreakerTripAfter: 1}, nil, nil)

	for i := 0; i < 3; i++ {
		tr.Get(context.Background(), srv.URL, nil)
	}
	if calls.Load() != 3 {
		t.Errorf("認証エラーでブレーカーが開きました: calls = %d, want 3", calls.Load())
	}
}

func TestGet_ContextCancelledDuringBackoff(t *testing.T) {
	srv, _ := failingServer(t, 100, http.StatusInternalServerError)
	var buf bytes.Buffer
	tr := New(Config{MaxRetries: 3, BaseDelay: time.Hour}, nil, nil, newTestLogger(&buf))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Get(ctx, srv.URL, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		got := CalculateBackoff(time.Second, 30*time.Second, tt.retry)
		if got != tt.want {
			t.Errorf("CalculateBackoff(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   model.ErrorKind
	}{
		{200, ""},
		{204, ""},
		{401, model.KindAuthentication},
		{403, model.KindAuthentication},
		{404, model.KindNotFound},
		{429, model.KindRateLimit},
		{500, model.KindConnection},
		{503, model.KindConnection},
		{400, model.KindAPI},
		{409, model.KindAPI},
	}
	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("7", now); got != 7*time.Second {
		t.Errorf("ParseRetryAfter(7) = %v, want 7s", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 90*time.Second {
		t.Errorf("ParseRetryAfter(date) = %v, want 90s", got)
	}
	if got := ParseRetryAfter("garbage", now); got != 0 {
		t.Errorf("ParseRetryAfter(garbage) = %v, want 0", got)
	}
}

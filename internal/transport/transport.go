// Package transport はリモートAPI向けのHTTPリクエスト実行器を提供する。
// コネクションの再利用、接続・読み取りタイムアウトの個別設定、
// 指数バックオフによるリトライ、サーキットブレーカーを備える。
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/ratelimit"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultMaxRetries     = 3
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultMaxBodySize    = 10 << 20
	defaultBreakerTrip    = 10
	defaultBreakerTimeout = 30 * time.Second
)

// Config はTransportの設定を保持する。0値の項目はデフォルト値で補完される。
type Config struct {
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxBodySize         int64
	MaxIdleConnsPerHost int
	UserAgent           string

	// BreakerName はサーキットブレーカーの名前（メトリクスのラベルに使用）。
	BreakerName string
	// BreakerTripAfter は連続失敗がこの回数に達するとブレーカーを開く。
	BreakerTripAfter uint32
	// BreakerTimeout はopenからhalf-openに遷移するまでの待機時間。
	BreakerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 4
	}
	if c.UserAgent == "" {
		c.UserAgent = "VinylVault/1.0"
	}
	if c.BreakerName == "" {
		c.BreakerName = "remote-api"
	}
	if c.BreakerTripAfter == 0 {
		c.BreakerTripAfter = defaultBreakerTrip
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	return c
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{MaxRetries: defaultMaxRetries}.withDefaults()
}

// Limiter は各試行の前に発行枠を確保するレートリミッター。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Observer はリクエスト結果をメトリクスとして記録する。
type Observer interface {
	RecordRemoteRequest(outcome string, duration time.Duration)
	RecordRemoteRetry()
	SetCircuitBreakerState(name string, state int)
}

// Response は読み取り済みのHTTPレスポンスを表す。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport はリトライとサーキットブレーカーを備えたHTTPリクエスト実行器。
// 1つのインスタンスを使い回すことでコネクションが再利用される。
type Transport struct {
	cfg      Config
	client   *http.Client
	limiter  Limiter
	breaker  *gobreaker.CircuitBreaker[*Response]
	logger   *slog.Logger
	observer Observer

	// openedAt はブレーカーが最後にopenへ遷移した時刻（UnixNano）。
	openedAt atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New は新しいTransportを生成する。limiterとobserverはnilでもよい。
func New(cfg Config, limiter Limiter, observer Observer, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	httpTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	t := &Transport{
		cfg:      cfg,
		client:   &http.Client{Transport: httpTransport},
		limiter:  limiter,
		logger:   logger,
		observer: observer,
		sleep:    ratelimit.SleepWithContext,
		now:      time.Now,
	}
	t.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTripAfter
		},
		// 認証エラーや4xxはリモートが応答している証拠なので失敗として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				t.openedAt.Store(t.now().UnixNano())
			}
			t.logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if t.observer != nil {
				t.observer.SetCircuitBreakerState(name, int(to))
			}
		},
	})
	if observer != nil {
		observer.SetCircuitBreakerState(cfg.BreakerName, int(gobreaker.StateClosed))
	}

	return t
}

// Config は補完済みの設定を返す。
func (t *Transport) Config() Config {
	return t.cfg
}

// Get は指定URLにGETリクエストを送信する。
// 一時的な失敗（接続エラー・5xx・429）はMaxRetries回までリトライし、
// 使い切った場合は接続エラー（429の場合はレート制限エラー）を返す。
// 認証エラーやその他の4xxはリトライせず即座に返す。
func (t *Transport) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(t.cfg.BaseDelay, t.cfg.MaxDelay, attempt-1)
			var se *model.SourceError
			if errors.As(lastErr, &se) && se.RetryAfter > delay {
				delay = min(se.RetryAfter, t.cfg.MaxDelay)
			}
			if t.observer != nil {
				t.observer.RecordRemoteRetry()
			}
			t.logger.Info("リモートAPI呼び出しをリトライします",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := t.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if t.limiter != nil {
			if err := t.limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		}

		start := t.now()
		resp, err := t.breaker.Execute(func() (*Response, error) {
			return t.attempt(ctx, rawURL, header)
		})
		t.observe(err, t.now().Sub(start))
		if err == nil {
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, t.breakerOpen(err, lastErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, t.exhausted(lastErr)
}

// attempt は1回分のリクエストを実行し、レスポンスボディを読み切って返す。
func (t *Transport) attempt(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewSourceError(model.KindAPI, 0, "HTTPリクエストの作成に失敗しました", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, model.NewSourceError(model.KindConnection, 0, "リモートAPIへの接続に失敗しました", err)
	}
	defer resp.Body.Close()

	// ヘッダー受信後のボディ読み取りにも読み取りタイムアウトを適用する
	timer := time.AfterFunc(t.cfg.ReadTimeout, cancel)
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodySize))
	timer.Stop()
	if err != nil {
		return nil, model.NewSourceError(model.KindConnection, resp.StatusCode, "レスポンスボディの読み取りに失敗しました", err)
	}

	kind := ClassifyHTTPStatus(resp.StatusCode)
	if kind == "" {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	se := model.NewSourceError(kind, resp.StatusCode, fmt.Sprintf("リモートAPIがステータス %d を返しました", resp.StatusCode), nil)
	if kind == model.KindRateLimit {
		se.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), t.now())
	}
	return nil, se
}

// breakerOpen はブレーカーに遮断された呼び出しのエラーを返す。
// この呼び出しで1度もリクエストを送っていない場合はErrCircuitOpenを含め、
// 送っていた場合は通常の接続エラーとして扱う。どちらもhalf-openまでの残り時間をRetryAfterに持つ。
func (t *Transport) breakerOpen(err, lastErr error) error {
	se := &model.SourceError{
		Kind:       model.KindConnection,
		RetryAfter: t.breakerWait(),
		Message:    "サーキットブレーカーが開いています",
		Err:        fmt.Errorf("%w: %w", model.ErrCircuitOpen, err),
	}
	if lastErr != nil {
		se.Err = fmt.Errorf("%w: %w", err, lastErr)
	}
	return se
}

// breakerWait はブレーカーがhalf-openに遷移するまでの残り時間を返す。
// 既に経過している場合（half-openで試行枠が埋まっている場合など）はBaseDelayを返す。
func (t *Transport) breakerWait() time.Duration {
	opened := t.openedAt.Load()
	if opened == 0 {
		return t.cfg.BaseDelay
	}
	remaining := t.cfg.BreakerTimeout - t.now().Sub(time.Unix(0, opened))
	if remaining <= 0 {
		return t.cfg.BaseDelay
	}
	return remaining
}

// exhausted はリトライを使い切った最後のエラーを呼び出し元向けの種別に変換する。
func (t *Transport) exhausted(lastErr error) error {
	var se *model.SourceError
	if errors.As(lastErr, &se) && se.Kind == model.KindRateLimit {
		backoff := se.RetryAfter
		if backoff <= 0 {
			backoff = t.cfg.MaxDelay
		}
		return &model.SourceError{
			Kind:       model.KindRateLimit,
			StatusCode: se.StatusCode,
			RetryAfter: backoff,
			Message:    fmt.Sprintf("%d回のリトライ後もレート制限が解除されませんでした", t.cfg.MaxRetries),
			Err:        lastErr,
		}
	}
	return model.NewSourceError(model.KindConnection, 0,
		fmt.Sprintf("%d回のリトライ後もリクエストが成功しませんでした", t.cfg.MaxRetries), lastErr)
}

func (t *Transport) observe(err error, d time.Duration) {
	if t.observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(model.ErrorKindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	t.observer.RecordRemoteRequest(outcome, d)
}

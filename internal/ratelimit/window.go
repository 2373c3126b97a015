// Package ratelimit はリモートAPI呼び出し用のスライディングウィンドウ型レートリミッターを提供する。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxRequests はウィンドウ内の最大リクエスト数のデフォルト値。
	// リモートAPIの上限（60回/分）より控えめに設定する。
	DefaultMaxRequests = 55
	// DefaultWindow はスライディングウィンドウ幅のデフォルト値。
	DefaultWindow = 60 * time.Second
)

// SlidingWindow は直近Window内の発行時刻を保持し、
// 次の1件を発行してもMaxRequestsを超えない時点まで呼び出し元を待たせる。
// 固定バケットのリセットではなく、発行時刻ごとに期限切れを判定する。
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	stamps      []time.Time // 古い順

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSlidingWindow は新しいSlidingWindowを生成する。
// 0以下の値が指定された場合はデフォルト値を使用する。
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		stamps:      make([]time.Time, 0, maxRequests),
		now:         time.Now,
		sleep:       SleepWithContext,
	}
}

// Acquire は1件分の発行枠が空くまでブロックし、枠を確保して返る。
// リミッター起因で失敗することはなく、ctxがキャンセルされた場合のみctx.Err()を返す。
func (l *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)
		if len(l.stamps) < l.maxRequests {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Wait はキャンセルされないコンテキストでAcquireを呼び出す。
func (l *SlidingWindow) Wait() {
	_ = l.Acquire(context.Background())
}

// InFlight は現在ウィンドウ内に数えられている発行数を返す。
func (l *SlidingWindow) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.stamps)
}

// evict はウィンドウ外に出た発行時刻を取り除く。呼び出し元がmuを保持していること。
func (l *SlidingWindow) evict(now time.Time) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// SleepWithContext は指定時間待機する。ctxがキャンセルされた場合は早期にctx.Err()を返す。
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

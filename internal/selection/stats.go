package selection

import (
	"sync"
	"time"
)

// emaAlpha は応答時間とキャッシュヒット率の指数移動平均の係数。
const emaAlpha = 0.1

// Metrics は選曲エンジンの実行時統計を指数移動平均で保持する。
type Metrics struct {
	mu            sync.Mutex
	served        int64
	feedbacks     int64
	avgResponseMS float64
	cacheHitRate  float64
	satisfaction  float64
}

// MetricsSnapshot はMetricsのある時点の値。
type MetricsSnapshot struct {
	TotalServed       int64   `json:"total_served"`
	TotalFeedback     int64   `json:"total_feedback"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	UserSatisfaction  float64 `json:"user_satisfaction"`
}

// RecordServe は1回の選曲の応答時間とキャッシュヒットの有無を反映する。
// 最初のサンプルはそのまま初期値になる。
func (m *Metrics) RecordServe(d time.Duration, cacheHit bool) {
	ms := float64(d) / float64(time.Millisecond)
	hit := 0.0
	if cacheHit {
		hit = 1.0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.served == 0 {
		m.avgResponseMS = ms
		m.cacheHitRate = hit
	} else {
		m.avgResponseMS = ema(m.avgResponseMS, ms, emaAlpha)
		m.cacheHitRate = ema(m.cacheHitRate, hit, emaAlpha)
	}
	m.served++
}

// RecordFeedback はフィードバック値（-1/0/1）を満足度に反映する。
// rateは学習率で、0以下の場合はemaAlphaを使う。
func (m *Metrics) RecordFeedback(score int, rate float64) {
	if rate <= 0 {
		rate = emaAlpha
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.satisfaction = ema(m.satisfaction, float64(score), rate)
	m.feedbacks++
}

// Snapshot は現在の値を返す。
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TotalServed:       m.served,
		TotalFeedback:     m.feedbacks,
		AvgResponseTimeMS: m.avgResponseMS,
		CacheHitRate:      m.cacheHitRate,
		UserSatisfaction:  m.satisfaction,
	}
}

func ema(prev, sample, alpha float64) float64 {
	return prev*(1-alpha) + sample*alpha
}

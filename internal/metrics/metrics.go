// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// transport・syncer・selectionの各Observerと、HTTPミドルウェアの記録先を兼ねる。
type Collector struct {
	httpStatus  *prometheus.CounterVec
	httpLatency prometheus.Histogram

	remoteRequests *prometheus.CounterVec
	remoteLatency  prometheus.Histogram
	remoteRetries  prometheus.Counter
	breakerState   *prometheus.GaugeVec

	syncRunning  prometheus.Gauge
	syncRecords  prometheus.Counter
	syncErrors   *prometheus.CounterVec
	syncRuns     *prometheus.CounterVec
	syncDuration prometheus.Histogram

	selections       *prometheus.CounterVec
	selectionLatency prometheus.Histogram
	feedback         *prometheus.CounterVec
	cacheRefreshes   *prometheus.CounterVec
	poolSize         *prometheus.GaugeVec
	refreshLatency   prometheus.Histogram

	selectionLogPruned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vinylvault_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_remote_requests_total",
			Help: "リモートAPIへのリクエスト数（結果別）",
		}, []string{"outcome"}),
		remoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vinylvault_remote_request_duration_seconds",
			Help:    "リモートAPIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		remoteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vinylvault_remote_retries_total",
			Help: "リモートAPIリクエストの再試行回数",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vinylvault_circuit_breaker_state",
			Help: "サーキットブレーカーの状態（0=closed, 1=half-open, 2=open）",
		}, []string{"name"}),
		syncRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vinylvault_sync_running",
			Help: "同期が実行中なら1",
		}),
		syncRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vinylvault_sync_records_total",
			Help: "同期で保存したレコードの合計数",
		}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_sync_errors_total",
			Help: "同期中のエラー数（種別ごと）",
		}, []string{"kind"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_sync_runs_total",
			Help: "終了した同期の数（終了状態ごと）",
		}, []string{"status"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vinylvault_sync_duration_seconds",
			Help:    "同期1回の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_selections_total",
			Help: "ランダム選曲の数（バリアント・提供元ごと）",
		}, []string{"variant", "source"}),
		selectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vinylvault_selection_duration_seconds",
			Help:    "ランダム選曲の応答時間（秒）",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_feedback_total",
			Help: "選曲へのフィードバック数（値ごと）",
		}, []string{"score"}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinylvault_cache_refreshes_total",
			Help: "選曲プールの再構築回数",
		}, []string{"variant"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vinylvault_cache_pool_size",
			Help: "直近に構築した選曲プールの候補数",
		}, []string{"variant"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vinylvault_cache_refresh_duration_seconds",
			Help:    "選曲プールの再構築にかかった時間（秒）",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		selectionLogPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vinylvault_selection_log_pruned_total",
			Help: "保持期間を過ぎて削除した選曲ログの行数",
		}),
	}

	reg.MustRegister(
		c.httpStatus,
		c.httpLatency,
		c.remoteRequests,
		c.remoteLatency,
		c.remoteRetries,
		c.breakerState,
		c.syncRunning,
		c.syncRecords,
		c.syncErrors,
		c.syncRuns,
		c.syncDuration,
		c.selections,
		c.selectionLatency,
		c.feedback,
		c.cacheRefreshes,
		c.poolSize,
		c.refreshLatency,
		c.selectionLogPruned,
	)

	return c
}

// RecordHTTPRequest はHTTPレスポンスのステータスコードと処理時間を記録する。
func (c *Collector) RecordHTTPRequest(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// RecordRemoteRequest はリモートAPIへの1回の試行を記録する。
func (c *Collector) RecordRemoteRequest(outcome string, duration time.Duration) {
	c.remoteRequests.WithLabelValues(outcome).Inc()
	c.remoteLatency.Observe(duration.Seconds())
}

// RecordRemoteRetry は再試行を記録する。
func (c *Collector) RecordRemoteRetry() {
	c.remoteRetries.Inc()
}

// SetCircuitBreakerState はサーキットブレーカーの状態を記録する。
func (c *Collector) SetCircuitBreakerState(name string, state int) {
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// SetSyncRunning は同期の実行状態を記録する。
func (c *Collector) SetSyncRunning(running bool) {
	if running {
		c.syncRunning.Set(1)
		return
	}
	c.syncRunning.Set(0)
}

// RecordSyncPage は1ページ分の保存件数を記録する。
func (c *Collector) RecordSyncPage(records int) {
	c.syncRecords.Add(float64(records))
}

// RecordSyncError は同期中のエラーを記録する。
func (c *Collector) RecordSyncError(kind string) {
	c.syncErrors.WithLabelValues(kind).Inc()
}

// RecordSyncFinished は同期の終了状態と所要時間を記録する。
func (c *Collector) RecordSyncFinished(status string, duration time.Duration) {
	c.syncRuns.WithLabelValues(status).Inc()
	c.syncDuration.Observe(duration.Seconds())
}

// RecordSelection はランダム選曲1回を記録する。
func (c *Collector) RecordSelection(variant string, cacheHit, fallback bool, duration time.Duration) {
	source := "refresh"
	switch {
	case fallback:
		source = "fallback"
	case cacheHit:
		source = "cache"
	}
	c.selections.WithLabelValues(variant, source).Inc()
	c.selectionLatency.Observe(duration.Seconds())
}

// RecordFeedback はフィードバックを記録する。
func (c *Collector) RecordFeedback(score int) {
	c.feedback.WithLabelValues(strconv.Itoa(score)).Inc()
}

// RecordCacheRefresh は選曲プールの再構築を記録する。
func (c *Collector) RecordCacheRefresh(variant string, poolSize int, duration time.Duration) {
	c.cacheRefreshes.WithLabelValues(variant).Inc()
	c.poolSize.WithLabelValues(variant).Set(float64(poolSize))
	c.refreshLatency.Observe(duration.Seconds())
}

// RecordSelectionLogPruned は保持期間切れで削除した選曲ログの行数を記録する。
func (c *Collector) RecordSelectionLogPruned(count int64) {
	c.selectionLogPruned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/model"
)

// ErrEmptyCollection はコレクションに1件もレコードがないことを示す。
var ErrEmptyCollection = errors.New("コレクションにレコードがありません")

// RecordSource はキャッシュが参照するレコードストア。
type RecordSource interface {
	GetAllEligible(ctx context.Context) ([]model.Record, error)
	RandomOne(ctx context.Context) (*model.Record, error)
}

// ServedHistory はキャッシュが参照する選曲履歴。
type ServedHistory interface {
	LastServed(externalID int64) (time.Time, bool)
	Freeze() HistoryView
}

// RefreshObserver はプールの再構築を記録する。
type RefreshObserver interface {
	RecordCacheRefresh(variant string, poolSize int, d time.Duration)
}

// pool はリフレッシュ1回分の候補列。構築後は変更されず、nextだけが進む。
type pool struct {
	candidates []model.SelectionCandidate
	next       atomic.Int64
	builtAt    time.Time
	relaxed    bool
}

func (p *pool) remaining() int {
	r := len(p.candidates) - int(p.next.Load())
	if r < 0 {
		return 0
	}
	return r
}

// flight は実行中のリフレッシュ1回分。
type flight struct {
	done chan struct{}
	err  error
}

// PoolStats はプールの状態。
type PoolStats struct {
	Variant   string     `json:"variant"`
	Size      int        `json:"size"`
	Remaining int        `json:"remaining"`
	BuiltAt   *time.Time `json:"built_at,omitempty"`
	Relaxed   bool       `json:"relaxed"`
	Refreshes int64      `json:"refreshes"`
}

// Served はキャッシュから取り出した1件。
type Served struct {
	Candidate model.SelectionCandidate
	CacheHit  bool
	Fallback  bool
}

// Cache は事前計算された重み付きランダム候補のプール。
// プールはリフレッシュのたびに丸ごと作り直され、ポインタの差し替えで公開される。
type Cache struct {
	variant string
	cfg     config.AlgorithmConfig
	calc    *WeightCalculator
	records RecordSource
	history ServedHistory
	logger  *slog.Logger

	observer RefreshObserver

	current   atomic.Pointer[pool]
	refreshes atomic.Int64

	refreshMu sync.Mutex
	flightMu  sync.Mutex
	inflight  *flight
	wg        sync.WaitGroup

	now     func() time.Time
	randomF func() float64
}

// NewCache はCacheを生成する。variantはログとメトリクスに使うプールの識別子。
func NewCache(variant string, cfg config.AlgorithmConfig, records RecordSource, history ServedHistory, observer RefreshObserver, logger *slog.Logger) *Cache {
	return &Cache{
		variant:  variant,
		cfg:      cfg,
		calc:     NewWeightCalculator(cfg),
		records:  records,
		history:  history,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		randomF:  rand.Float64,
	}
}

// Config はこのプールのチューニング値を返す。
func (c *Cache) Config() config.AlgorithmConfig {
	return c.cfg
}

// Refresh は全レコードの重みを計算し直し、新しいプールに差し替える。
// 再提供禁止期間内のレコードは除外するが、全件が除外される場合は除外を緩和する。
// 読み込みに失敗した場合は既存のプールを維持する。
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	now := c.now()

	records, err := c.records.GetAllEligible(ctx)
	if err != nil {
		return fmt.Errorf("選曲候補の読み込みに失敗しました: %w", err)
	}

	hist := c.history.Freeze()
	eligible := make([]model.SelectionCandidate, 0, len(records))
	all := make([]model.SelectionCandidate, 0, len(records))
	for i := range records {
		w, b, excluded := c.calc.Calculate(&records[i], hist, now)
		cand := model.SelectionCandidate{Record: records[i], Weight: w, Factors: b}
		all = append(all, cand)
		if !excluded {
			eligible = append(eligible, cand)
		}
	}

	relaxed := false
	if len(eligible) == 0 && len(all) > 0 {
		eligible = all
		relaxed = true
	}

	p := &pool{
		candidates: c.sample(eligible, c.cfg.CacheSize),
		builtAt:    now,
		relaxed:    relaxed,
	}
	c.current.Store(p)
	c.refreshes.Add(1)

	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.RecordCacheRefresh(c.variant, len(p.candidates), elapsed)
	}
	c.logger.Debug("選曲プールを再構築しました",
		slog.String("variant", c.variant),
		slog.Int("records", len(records)),
		slog.Int("eligible", len(eligible)),
		slog.Int("pool_size", len(p.candidates)),
		slog.Bool("relaxed", relaxed),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// sample は重み付き非復元抽出（Efraimidis–Spirakis）で最大k件を選ぶ。
// 各候補にキー ln(u)/w を振り、キーの大きい順に取る。
func (c *Cache) sample(cands []model.SelectionCandidate, k int) []model.SelectionCandidate {
	type keyed struct {
		key  float64
		cand model.SelectionCandidate
	}
	ks := make([]keyed, len(cands))
	for i, cand := range cands {
		u := 1 - c.randomF() // (0, 1]
		ks[i] = keyed{key: math.Log(u) / cand.Weight, cand: cand}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].key > ks[j].key })

	if k > len(ks) {
		k = len(ks)
	}
	out := make([]model.SelectionCandidate, k)
	for i := 0; i < k; i++ {
		out[i] = ks[i].cand
	}
	return out
}

// ServeOne はプールから次の候補を1件取り出す。
// プールが空の場合はMaxComputationを上限に同期的な緊急リフレッシュを行い、
// 間に合わなければストアから一様ランダムに1件選ぶ。
// コレクションが空の場合はErrEmptyCollectionを返す。
func (c *Cache) ServeOne(ctx context.Context) (*Served, error) {
	if cand, ok := c.pop(); ok {
		c.maybeTopUp(ctx)
		return &Served{Candidate: cand, CacheHit: true}, nil
	}

	timer := time.NewTimer(c.cfg.MaxComputation())
	defer timer.Stop()

	// 実行中だったリフレッシュの結果が古い場合に備え、もう1回だけ作り直す。
emergency:
	for attempt := 0; attempt < 2; attempt++ {
		f := c.startRefresh(context.WithoutCancel(ctx))
		select {
		case <-f.done:
			if f.err != nil {
				c.logger.Warn("緊急リフレッシュに失敗しました",
					slog.String("variant", c.variant),
					slog.String("error", f.err.Error()),
				)
				continue
			}
			if cand, ok := c.pop(); ok {
				c.maybeTopUp(ctx)
				return &Served{Candidate: cand}, nil
			}
		case <-timer.C:
			c.logger.Warn("緊急リフレッシュが制限時間内に完了しませんでした",
				slog.String("variant", c.variant),
				slog.Duration("limit", c.cfg.MaxComputation()),
			)
			break emergency
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	rec, err := c.records.RandomOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("フォールバック選曲に失敗しました: %w", err)
	}
	if rec == nil {
		return nil, ErrEmptyCollection
	}
	w, b, _ := c.calc.Calculate(rec, c.history.Freeze(), c.now())
	return &Served{
		Candidate: model.SelectionCandidate{Record: *rec, Weight: w, Factors: b},
		Fallback:  true,
	}, nil
}

// pop は現在のプールから提供可能な次の候補を取り出す。
// 緩和されていないプールでは、構築後に提供済みとなった候補を読み飛ばす。
func (c *Cache) pop() (model.SelectionCandidate, bool) {
	p := c.current.Load()
	if p == nil {
		return model.SelectionCandidate{}, false
	}
	window := c.cfg.MinTimeBetweenRepeats()
	for {
		i := int(p.next.Add(1) - 1)
		if i >= len(p.candidates) {
			return model.SelectionCandidate{}, false
		}
		cand := p.candidates[i]
		if !p.relaxed && window > 0 {
			if last, ok := c.history.LastServed(cand.Record.ExternalID); ok && c.now().Sub(last) < window {
				continue
			}
		}
		return cand, true
	}
}

// maybeTopUp は残りがしきい値を下回った場合にバックグラウンドでリフレッシュする。
func (c *Cache) maybeTopUp(ctx context.Context) {
	p := c.current.Load()
	if p != nil && p.remaining() >= c.cfg.CacheRefreshThreshold {
		return
	}
	c.startRefresh(context.WithoutCancel(ctx))
}

// startRefresh はリフレッシュを開始する。実行中のものがあればそれを返す。
func (c *Cache) startRefresh(ctx context.Context) *flight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.inflight != nil {
		return c.inflight
	}

	f := &flight{done: make(chan struct{})}
	c.inflight = f
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f.err = c.Refresh(ctx)
		if f.err != nil {
			c.logger.Error("選曲プールの再構築に失敗しました",
				slog.String("variant", c.variant),
				slog.String("error", f.err.Error()),
			)
		}
		c.flightMu.Lock()
		c.inflight = nil
		c.flightMu.Unlock()
		close(f.done)
	}()
	return f
}

// NotifyRefresh はバックグラウンドでのリフレッシュを要求する。同期完了時に呼ばれる。
func (c *Cache) NotifyRefresh() {
	c.startRefresh(context.Background())
}

// Wait は実行中のバックグラウンドリフレッシュの完了を待つ。
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Start は初回のリフレッシュを行った後、intervalごとにリフレッシュする。
// ctxがキャンセルされるまでブロックする。
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("初回の選曲プール構築に失敗しました",
			slog.String("variant", c.variant),
			slog.String("error", err.Error()),
		)
	}
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("選曲プールの定期更新を停止しました", slog.String("variant", c.variant))
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("選曲プールの定期更新に失敗しました",
					slog.String("variant", c.variant),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Stats はプールの状態を返す。
func (c *Cache) Stats() PoolStats {
	s := PoolStats{Variant: c.variant, Refreshes: c.refreshes.Load()}
	if p := c.current.Load(); p != nil {
		built := p.builtAt
		s.Size = len(p.candidates)
		s.Remaining = p.remaining()
		s.BuiltAt = &built
		s.Relaxed = p.relaxed
	}
	return s
}

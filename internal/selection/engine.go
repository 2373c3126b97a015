package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/repository"
)

// ControlKey は実験に参加していないセッションが使うプールのキー。
const ControlKey = "control"

// rehydrateLimit は起動時に選曲ログから読み戻す件数。
// 再提供禁止期間の判定に使うため、履歴の上限より多めに読む。
const rehydrateLimit = 1000

var (
	// ErrInvalidFeedback はフィードバック値が-1/0/1以外であることを示す。
	ErrInvalidFeedback = errors.New("無効なフィードバック値です")
	// ErrNotServed はフィードバック対象のレコードがこのセッションに提供されていないことを示す。
	ErrNotServed = errors.New("指定されたレコードは提供されていません")
	// ErrRecordNotFound はレコードが存在しないことを示す。
	ErrRecordNotFound = errors.New("レコードが見つかりません")
)

// Assignment はセッションに割り当てられたアルゴリズム設定。
type Assignment struct {
	Key        string
	Experiment string
	Variant    string
	Config     config.AlgorithmConfig
}

// Assigner はセッションごとの設定を決める。
type Assigner interface {
	// ConfigFor はセッションに対する割り当てを返す。
	ConfigFor(ctx context.Context, sessionID string) Assignment
	// Variants はプールを用意すべき全ての割り当てを返す。先頭はコントロール。
	Variants() []Assignment
}

// Observer は選曲エンジンの動作を記録する。
type Observer interface {
	RefreshObserver
	RecordSelection(variant string, cacheHit, fallback bool, d time.Duration)
	RecordFeedback(score int)
}

// Store はエンジンが使うレコードストア。
type Store interface {
	RecordSource
	RecordPlayed(ctx context.Context, externalID int64, at time.Time) (bool, error)
}

// AlgorithmStats は選曲エンジンの診断情報。
type AlgorithmStats struct {
	MetricsSnapshot
	DiversityScore float64                `json:"diversity_score"`
	HistorySize    int                    `json:"history_size"`
	Pools          []PoolStats            `json:"pools"`
	Config         config.AlgorithmConfig `json:"config"`
	Recent         *model.SelectionStats  `json:"recent,omitempty"`
	Suggestion     *Suggestion            `json:"suggestion,omitempty"`
}

// Engine は選曲・フィードバック・統計の操作をまとめる。
type Engine struct {
	assigner     Assigner
	records      Store
	selectionLog repository.SelectionLogRepository
	history      *History
	caches       map[string]*Cache
	order        []string
	base         config.AlgorithmConfig
	metrics      *Metrics
	learner      *Learner
	observer     Observer
	logger       *slog.Logger

	now func() time.Time
}

// NewEngine はEngineを生成し、割り当て候補ごとにプールを用意する。
// observerはnilでもよい。
func NewEngine(
	records Store,
	selectionLog repository.SelectionLogRepository,
	assigner Assigner,
	observer Observer,
	logger *slog.Logger,
) *Engine {
	variants := assigner.Variants()
	base := config.DefaultAlgorithmConfig()
	if len(variants) > 0 {
		base = variants[0].Config
	}

	e := &Engine{
		assigner:     assigner,
		records:      records,
		selectionLog: selectionLog,
		history:      newSharedHistory(base, variants),
		caches:       make(map[string]*Cache, len(variants)),
		base:         base,
		metrics:      &Metrics{},
		learner:      NewLearner(selectionLog),
		observer:     observer,
		logger:       logger,
		now:          time.Now,
	}

	var ro RefreshObserver
	if observer != nil {
		ro = observer
	}
	for _, v := range variants {
		if _, ok := e.caches[v.Key]; ok {
			continue
		}
		e.caches[v.Key] = NewCache(v.Key, v.Config, records, e.history, ro, logger)
		e.order = append(e.order, v.Key)
	}
	if _, ok := e.caches[ControlKey]; !ok {
		e.caches[ControlKey] = NewCache(ControlKey, base, records, e.history, ro, logger)
		e.order = append([]string{ControlKey}, e.order...)
	}
	return e
}

// newSharedHistory は全プールで共有する履歴を作る。
// 件数の上限と再提供禁止期間は、各割り当ての設定のうち最大のものに合わせる。
func newSharedHistory(base config.AlgorithmConfig, variants []Assignment) *History {
	size, window := base.MaxHistorySize, base.MinTimeBetweenRepeats()
	for _, v := range variants {
		size = max(size, v.Config.MaxHistorySize)
		window = max(window, v.Config.MinTimeBetweenRepeats())
	}
	return NewHistory(size, window)
}

// History は選曲履歴を返す。
func (e *Engine) History() *History {
	return e.history
}

// Rehydrate は永続化された選曲ログから履歴を復元する。
func (e *Engine) Rehydrate(ctx context.Context) error {
	entries, err := e.selectionLog.LoadRecent(ctx, rehydrateLimit)
	if err != nil {
		return fmt.Errorf("選曲履歴の復元に失敗しました: %w", err)
	}
	e.history.Load(entries)
	e.logger.Info("選曲履歴を復元しました", slog.Int("entries", len(entries)))
	return nil
}

// GetRandomSelection はセッションに割り当てられたプールから1件選んで返す。
// 提供した選曲は履歴と選曲ログに記録する。選曲ログへの書き込み失敗は選曲を妨げない。
func (e *Engine) GetRandomSelection(ctx context.Context, sessionID string) (*model.SelectionResult, error) {
	start := time.Now()
	a := e.assigner.ConfigFor(ctx, sessionID)
	cache, ok := e.caches[a.Key]
	if !ok {
		cache = e.caches[ControlKey]
		a.Key = ControlKey
	}

	served, err := cache.ServeOne(ctx)
	if err != nil {
		return nil, err
	}

	rec := served.Candidate.Record
	factors := served.Candidate.Factors
	entry := model.SelectionHistoryEntry{
		ExternalID:         rec.ExternalID,
		Tags:               rec.Tags,
		PrimaryAttribution: rec.PrimaryAttribution,
		SessionID:          sessionID,
		ServedAt:           e.now(),
		AlgorithmVersion:   cache.Config().Version,
		Factors:            &factors,
	}
	if a.Experiment != "" {
		key := a.Key
		entry.ExperimentVariant = &key
	}
	e.history.RecordServed(entry)

	if err := e.selectionLog.Append(context.WithoutCancel(ctx), &entry); err != nil {
		e.logger.Warn("選曲ログの書き込みに失敗しました",
			slog.Int64("record_id", rec.ExternalID),
			slog.String("error", err.Error()),
		)
	}

	elapsed := time.Since(start)
	e.metrics.RecordServe(elapsed, served.CacheHit)
	if e.observer != nil {
		e.observer.RecordSelection(a.Key, served.CacheHit, served.Fallback, elapsed)
	}

	return &model.SelectionResult{
		Record:   rec,
		Factors:  factors,
		Variant:  a.Key,
		CacheHit: served.CacheHit,
		Fallback: served.Fallback,
	}, nil
}

// SubmitFeedback はセッションに提供したレコードへのフィードバックを記録する。
// 履歴と選曲ログのどちらにも該当する提供がない場合はErrNotServedを返す。
func (e *Engine) SubmitFeedback(ctx context.Context, sessionID string, externalID int64, score int) error {
	if !ValidFeedback(score) {
		return ErrInvalidFeedback
	}

	inHistory := e.history.RecordFeedback(externalID, score)
	inLog, err := e.selectionLog.SetFeedback(ctx, sessionID, externalID, score)
	if err != nil {
		return fmt.Errorf("フィードバックの保存に失敗しました: %w", err)
	}
	if !inHistory && !inLog {
		return ErrNotServed
	}

	cfg := e.assigner.ConfigFor(ctx, sessionID).Config
	e.metrics.RecordFeedback(score, cfg.FeedbackLearningRate)
	if e.observer != nil {
		e.observer.RecordFeedback(score)
	}
	e.logger.Info("フィードバックを記録しました",
		slog.Int64("record_id", externalID),
		slog.Int("score", score),
	)
	return nil
}

// MarkPlayed はレコードを再生済みとして記録する。
func (e *Engine) MarkPlayed(ctx context.Context, externalID int64) error {
	ok, err := e.records.RecordPlayed(ctx, externalID, e.now())
	if err != nil {
		return fmt.Errorf("再生記録に失敗しました: %w", err)
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

// GetAlgorithmStats は実行時統計・プール状態・直近30日の集計を返す。
func (e *Engine) GetAlgorithmStats(ctx context.Context) (*AlgorithmStats, error) {
	now := e.now()
	stats := &AlgorithmStats{
		MetricsSnapshot: e.metrics.Snapshot(),
		DiversityScore:  e.history.DiversityScore(),
		HistorySize:     e.history.Len(),
		Config:          e.base,
	}
	for _, key := range e.order {
		stats.Pools = append(stats.Pools, e.caches[key].Stats())
	}

	recent, err := e.selectionLog.Stats(ctx, now.Add(-learnerWindow))
	if err != nil {
		return nil, fmt.Errorf("選曲統計の取得に失敗しました: %w", err)
	}
	stats.Recent = recent

	suggestion, err := e.learner.Suggest(ctx, e.base, now)
	if err != nil {
		return nil, err
	}
	stats.Suggestion = suggestion
	return stats, nil
}

// NotifyRefresh は全プールのリフレッシュを要求する。同期完了時に呼ばれる。
func (e *Engine) NotifyRefresh() {
	for _, key := range e.order {
		e.caches[key].NotifyRefresh()
	}
}

// Start は全プールの定期リフレッシュを開始し、ctxがキャンセルされるまでブロックする。
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for _, key := range e.order {
		c := e.caches[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(ctx, interval)
		}()
	}
	wg.Wait()
	e.Wait()
}

// Wait は実行中のバックグラウンドリフレッシュの完了を待つ。
func (e *Engine) Wait() {
	for _, key := range e.order {
		e.caches[key].Wait()
	}
}

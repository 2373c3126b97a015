// Package syncer はリモートコレクションのバックグラウンド同期を提供する。
// 同期goroutineがSyncStateを専有し、読み手にはスナップショットのコピーを渡す。
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loydmilligan/vinylvault/internal/discogs"
	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/ratelimit"
	"github.com/loydmilligan/vinylvault/internal/repository"
)

var (
	// ErrSyncAlreadyRunning は同期実行中に開始要求があったことを示す。
	ErrSyncAlreadyRunning = errors.New("sync is already running")
	// ErrSyncNotRunning は実行中の同期がないのにキャンセル要求があったことを示す。
	ErrSyncNotRunning = errors.New("sync is not running")
)

// BookmarkName は再開位置を保存するブックマーク名。
const BookmarkName = "collection"

// PageSource はリモートコレクションのページ取得インターフェース。
type PageSource interface {
	FetchPage(ctx context.Context, page int) (*discogs.Page, error)
}

// RefreshNotifier は同期完了時に選曲キャッシュへリフレッシュを通知する。
type RefreshNotifier interface {
	NotifyRefresh()
}

// Observer は同期のメトリクス記録先。
type Observer interface {
	SetSyncRunning(running bool)
	RecordSyncPage(records int)
	RecordSyncError(kind string)
	RecordSyncFinished(status string, duration time.Duration)
}

// Config は同期の動作設定を保持する。
type Config struct {
	// MaxErrors を超えるエラーが累積すると同期はfailedになる。
	MaxErrors int
	// LogEvery 件ごとに進捗ログを出力する。
	LogEvery int
	// RetryPause はページ取得失敗後に同じページを再試行するまでの待機時間。
	RetryPause time.Duration
	// RateLimitPause はRetryAfterの指定がないレート制限時の待機時間。
	RateLimitPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxErrors <= 0 {
		c.MaxErrors = 10
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.RetryPause <= 0 {
		c.RetryPause = time.Second
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = 60 * time.Second
	}
	return c
}

// run は1回の同期実行に紐づくキャンセル手段を保持する。
type run struct {
	id        string
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Orchestrator は同期の状態機械を管理する。
// 同時に実行される同期は常に1つだけ。
type Orchestrator struct {
	source    PageSource
	records   repository.RecordRepository
	syncLog   repository.SyncLogRepository
	bookmarks repository.SyncBookmarkRepository
	notifier  RefreshNotifier
	observer  Observer
	logger    *slog.Logger
	cfg       Config

	mu      sync.Mutex
	state   model.SyncState
	current *run

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// notifierとobserverはnilでもよい。
func NewOrchestrator(
	source PageSource,
	records repository.RecordRepository,
	syncLog repository.SyncLogRepository,
	bookmarks repository.SyncBookmarkRepository,
	notifier RefreshNotifier,
	observer Observer,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		source:    source,
		records:   records,
		syncLog:   syncLog,
		bookmarks: bookmarks,
		notifier:  notifier,
		observer:  observer,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		state:     model.SyncState{Status: model.SyncStatusIdle},
		now:       time.Now,
		sleep:     ratelimit.SleepWithContext,
	}
}

// Start は同期をバックグラウンドで開始する。
// 実行中の場合はErrSyncAlreadyRunningを返す。
// 同期は呼び出し元のctxのキャンセルでは止まらず、Cancelでのみ中断される。
func (o *Orchestrator) Start(ctx context.Context, forceFull bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Status == model.SyncStatusRunning {
		return ErrSyncAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	started := o.now()
	o.current = r
	o.state = model.SyncState{
		RunID:     r.id,
		Status:    model.SyncStatusRunning,
		ForceFull: forceFull,
		StartedAt: &started,
	}
	if o.observer != nil {
		o.observer.SetSyncRunning(true)
	}

	o.logger.Info("同期を開始しました",
		slog.String("run_id", r.id),
		slog.Bool("force_full", forceFull),
	)

	go o.execute(runCtx, r, forceFull, started)
	return nil
}

// Cancel は実行中の同期に中断を要求する。
// 中断はページの境界で反映され、書き込み済みのレコードは保持される。
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Status != model.SyncStatusRunning || o.current == nil {
		return ErrSyncNotRunning
	}
	o.current.cancelled.Store(true)
	o.current.cancel()

	o.logger.Info("同期のキャンセルを受け付けました",
		slog.String("run_id", o.current.id),
	)
	return nil
}

// Status は現在の同期状態のスナップショットを返す。
func (o *Orchestrator) Status() model.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Wait は実行中の同期が終端状態に達するまで待ち、最終状態を返す。
// 実行中の同期がない場合は直ちに現在の状態を返す。
func (o *Orchestrator) Wait(ctx context.Context) (model.SyncState, error) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()

	if r == nil {
		return o.Status(), nil
	}
	select {
	case <-r.done:
		return o.Status(), nil
	case <-ctx.Done():
		return o.Status(), ctx.Err()
	}
}

// RunPeriodic は指定間隔で差分同期を開始する。
// 実行中の同期がある周期はスキップする。ctxがキャンセルされるまで実行を継続する。
func (o *Orchestrator) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("定期同期を開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("定期同期を停止しました")
			return
		case <-ticker.C:
			if err := o.Start(ctx, false); err != nil {
				if errors.Is(err, ErrSyncAlreadyRunning) {
					o.logger.Info("同期が実行中のため定期同期をスキップしました")
					continue
				}
				o.logger.Error("定期同期の開始に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// execute は同期goroutineの本体。SyncStateはこのgoroutineだけが更新する。
func (o *Orchestrator) execute(ctx context.Context, r *run, forceFull bool, started time.Time) {
	defer r.cancel()

	// 書き込みはキャンセルで中断させない
	writeCtx := context.WithoutCancel(ctx)

	startPage := 1
	if !forceFull {
		if saved, err := o.bookmarks.Get(writeCtx, BookmarkName); err != nil {
			o.logger.Warn("同期ブックマークの取得に失敗したため先頭から同期します",
				slog.String("run_id", r.id),
				slog.String("error", err.Error()),
			)
		} else if saved > 1 {
			startPage = saved
			o.logger.Info("ブックマークから同期を再開します",
				slog.String("run_id", r.id),
				slog.Int("page", startPage),
			)
		}
	}

	page := startPage
	processed := 0
	errorCount := 0
	pageSize := 0
	var lastErr error

	for {
		if r.cancelled.Load() {
			o.finish(writeCtx, r, model.SyncStatusCancelled, processed, nil, started)
			return
		}

		p, err := o.source.FetchPage(ctx, page)
		if err != nil {
			if r.cancelled.Load() {
				o.finish(writeCtx, r, model.SyncStatusCancelled, processed, nil, started)
				return
			}

			kind := model.ErrorKindOf(err)
			switch kind {
			case model.KindAuthentication:
				o.logger.Error("リモートの認証に失敗したため同期を中止します",
					slog.String("run_id", r.id),
					slog.String("error", err.Error()),
				)
				o.recordError(kind)
				o.finish(writeCtx, r, model.SyncStatusFailed, processed, err, started)
				return
			case model.KindNotFound:
				o.logger.Info("取得対象のページがないため同期を完了します",
					slog.String("run_id", r.id),
					slog.Int("page", page),
				)
				o.finish(writeCtx, r, model.SyncStatusCompleted, processed, nil, started)
				return
			}

			// ブレーカーに遮断された呼び出しはリモートに到達していないので予算に数えず、half-openまで待つ
			if errors.Is(err, model.ErrCircuitOpen) {
				pause := retryAfter(err, o.cfg.RetryPause)
				o.logger.Info("サーキットブレーカーが開いているため待機します",
					slog.String("run_id", r.id),
					slog.Int("page", page),
					slog.Duration("pause", pause),
				)
				if err := o.sleep(ctx, pause); err != nil {
					o.finish(writeCtx, r, model.SyncStatusCancelled, processed, nil, started)
					return
				}
				continue
			}

			errorCount++
			lastErr = err
			o.recordError(kind)
			o.update(func(s *model.SyncState) {
				s.ErrorCount = errorCount
				s.LastError = errorMessage(err)
				s.LastErrorKind = kind
			})
			o.logger.Warn("ページの取得に失敗しました",
				slog.String("run_id", r.id),
				slog.Int("page", page),
				slog.Int("error_count", errorCount),
				slog.String("error_kind", string(kind)),
				slog.String("error", err.Error()),
			)

			if errorCount > o.cfg.MaxErrors {
				o.finish(writeCtx, r, model.SyncStatusFailed, processed, err, started)
				return
			}

			pause := o.cfg.RetryPause
			if kind == model.KindRateLimit {
				pause = o.cfg.RateLimitPause
			}
			pause = retryAfter(err, pause)
			if err := o.sleep(ctx, pause); err != nil {
				o.finish(writeCtx, r, model.SyncStatusCancelled, processed, nil, started)
				return
			}
			continue
		}

		syncedAt := o.now()
		written := 0
		for i := range p.Records {
			rec := p.Records[i]
			rec.SyncedAt = syncedAt
			if err := o.records.Upsert(writeCtx, &rec); err != nil {
				errorCount++
				lastErr = err
				o.recordError("store")
				o.logger.Error("レコードの保存に失敗しました",
					slog.String("run_id", r.id),
					slog.Int64("external_id", rec.ExternalID),
					slog.String("error", err.Error()),
				)
				continue
			}
			written++
			if (processed+written)%o.cfg.LogEvery == 0 {
				o.logger.Info("同期の進捗",
					slog.String("run_id", r.id),
					slog.Int("processed", processed+written),
					slog.Int("page", page),
				)
			}
		}
		processed += written
		if len(p.Records) > pageSize {
			pageSize = len(p.Records)
		}
		if o.observer != nil {
			o.observer.RecordSyncPage(written)
		}

		total := p.TotalEstimate
		if startPage > 1 || total <= 0 {
			total = processed + (p.Pages-p.Page)*pageSize
		}
		if total < processed {
			total = processed
		}

		now := o.now()
		o.update(func(s *model.SyncState) {
			s.ProcessedCount = processed
			s.CurrentPage = page
			s.TotalCount = total
			s.ErrorCount = errorCount
			s.EstimatedCompletion = estimateCompletion(started, now, processed, total)
			if lastErr != nil {
				s.LastError = errorMessage(lastErr)
				s.LastErrorKind = model.ErrorKindOf(lastErr)
			}
		})

		if errorCount > o.cfg.MaxErrors {
			o.finish(writeCtx, r, model.SyncStatusFailed, processed, lastErr, started)
			return
		}

		if !p.HasMore {
			o.finish(writeCtx, r, model.SyncStatusCompleted, processed, nil, started)
			return
		}

		page++
		if err := o.bookmarks.Save(writeCtx, BookmarkName, page); err != nil {
			o.logger.Warn("同期ブックマークの保存に失敗しました",
				slog.String("run_id", r.id),
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
		}
	}
}

// finish は終端状態へ遷移し、同期履歴の追記と後処理を行う。
func (o *Orchestrator) finish(ctx context.Context, r *run, status model.SyncStatus, processed int, cause error, started time.Time) {
	finished := o.now()

	o.update(func(s *model.SyncState) {
		s.Status = status
		s.ProcessedCount = processed
		s.FinishedAt = &finished
		s.EstimatedCompletion = nil
		if cause != nil {
			s.LastError = errorMessage(cause)
			s.LastErrorKind = model.ErrorKindOf(cause)
		}
		if status == model.SyncStatusCompleted && s.TotalCount < processed {
			s.TotalCount = processed
		}
	})

	entry := &model.SyncLogEntry{
		SyncedAt:     finished,
		ItemsSynced:  processed,
		Status:       status,
		ErrorMessage: errorMessage(cause),
	}
	if err := o.syncLog.Append(ctx, entry); err != nil {
		o.logger.Error("同期履歴の追記に失敗しました",
			slog.String("run_id", r.id),
			slog.String("error", err.Error()),
		)
	}

	if status == model.SyncStatusCompleted {
		if err := o.bookmarks.Clear(ctx, BookmarkName); err != nil {
			o.logger.Warn("同期ブックマークの削除に失敗しました",
				slog.String("run_id", r.id),
				slog.String("error", err.Error()),
			)
		}
		if o.notifier != nil {
			o.notifier.NotifyRefresh()
		}
	}

	duration := finished.Sub(started)
	if o.observer != nil {
		o.observer.RecordSyncFinished(string(status), duration)
		o.observer.SetSyncRunning(false)
	}

	attrs := []any{
		slog.String("run_id", r.id),
		slog.String("status", string(status)),
		slog.Int("processed", processed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
		o.logger.Error("同期が終了しました", attrs...)
	} else {
		o.logger.Info("同期が終了しました", attrs...)
	}

	close(r.done)
}

func (o *Orchestrator) update(fn func(s *model.SyncState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.state)
}

func (o *Orchestrator) recordError(kind model.ErrorKind) {
	if o.observer != nil {
		o.observer.RecordSyncError(string(kind))
	}
}

// estimateCompletion は観測したスループットから完了予定時刻を求める。
func estimateCompletion(started, now time.Time, processed, total int) *time.Time {
	if processed <= 0 || total <= processed {
		return nil
	}
	elapsed := now.Sub(started)
	perItem := elapsed / time.Duration(processed)
	eta := now.Add(perItem * time.Duration(total-processed))
	return &eta
}

// retryAfter はエラーが推奨する待機時間を返す。指定がなければfallbackを返す。
func retryAfter(err error, fallback time.Duration) time.Duration {
	var se *model.SourceError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	return fallback
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

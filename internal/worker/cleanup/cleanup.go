// Package cleanup は選曲ログの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過したselection_logの行を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は選曲ログのデフォルト保持日数。
const DefaultRetentionDays = 90

// Pruner は指定時刻より古い行を削除するインターフェース。
// repository.SelectionLogRepositoryが実装する。
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Observer は削除件数を記録する。metrics.Collectorが実装する。
type Observer interface {
	RecordSelectionLogPruned(n int64)
}

// CleanupJob は保持期間を超過した選曲ログの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	pruner        Pruner
	observer      Observer
	logger        *slog.Logger
	RetentionDays int // 選曲ログの保持日数（デフォルト: 90）

	now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はデフォルトの90日を使う。observerはnilでもよい。
func NewCleanupJob(pruner Pruner, observer Observer, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		pruner:        pruner,
		observer:      observer,
		logger:        logger,
		RetentionDays: retentionDays,
		now:           time.Now,
	}
}

// Run は保持期間を超過した選曲ログを削除する。
// served_atがRetentionDays日前より古い行を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("選曲ログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("選曲ログのクリーンアップに失敗しました: %w", err)
	}

	if j.observer != nil {
		j.observer.RecordSelectionLogPruned(deletedCount)
	}

	j.logger.Info("選曲ログのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行したあと、指定間隔でRunを繰り返す。
// ctxがキャンセルされるまでブロックする。失敗は記録して次の周期を待つ。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	// 失敗はRun内で記録済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

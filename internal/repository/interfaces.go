// Package repository はデータ永続化のインターフェースとSQL実装を定義する。
// 実装はPostgreSQLとSQLiteの両方言で同じSQLを使う。
package repository

import (
	"context"
	"time"

	"github.com/loydmilligan/vinylvault/internal/model"
)

// OverwritePolicy は再同期時にリモートの評価・メモでローカル値を上書きするかの方針。
type OverwritePolicy string

const (
	// OverwriteRemoteWins は常にリモートの評価・メモで上書きする。
	OverwriteRemoteWins OverwritePolicy = "remote_wins"
	// OverwritePreserveUserEdits はローカルで編集済みのレコードの評価・メモを保持する。
	OverwritePreserveUserEdits OverwritePolicy = "preserve_user_edits"
)

// RecordRepository はレコードの永続化インターフェース。
// 同期側と選曲側の両方から使われ、書き込み中の並行読み取りに対応する。
type RecordRepository interface {
	// Upsert はExternalIDをキーにレコードを挿入または更新する。
	// PlayCount、LastPlayedAt、AddedAtは既存の値を保持する。
	Upsert(ctx context.Context, rec *model.Record) error

	// GetAllEligible は選曲対象となる全レコードを取得する。
	GetAllEligible(ctx context.Context) ([]model.Record, error)

	// GetByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, externalID int64) (*model.Record, error)

	// RecordPlayed は再生回数をインクリメントし最終再生日時を更新する。
	// レコードが存在しない場合はfalseを返す。
	RecordPlayed(ctx context.Context, externalID int64, at time.Time) (bool, error)

	// Count はレコード件数を返す。
	Count(ctx context.Context) (int, error)

	// RandomOne は一様ランダムに1件取得する。レコードがない場合はnilを返す。
	RandomOne(ctx context.Context) (*model.Record, error)

	// SetUserEdited はローカルで編集された評価・メモを保存し、編集済みフラグを立てる。
	// レコードが存在しない場合はfalseを返す。
	SetUserEdited(ctx context.Context, externalID int64, rating int, note *string) (bool, error)
}

// SyncLogRepository は同期履歴の永続化インターフェース。追記専用。
type SyncLogRepository interface {
	// Append は終端状態に達した同期1回分を追記する。
	Append(ctx context.Context, entry *model.SyncLogEntry) error

	// ListRecent は新しい順に最大limit件の同期履歴を取得する。
	ListRecent(ctx context.Context, limit int) ([]model.SyncLogEntry, error)
}

// SyncBookmarkRepository は中断した同期の再開位置を保持する。
type SyncBookmarkRepository interface {
	// Get は次に取得すべきページを返す。ブックマークがない場合は0を返す。
	Get(ctx context.Context, name string) (int, error)

	// Save は次に取得すべきページを保存する。
	Save(ctx context.Context, name string, nextPage int) error

	// Clear はブックマークを削除する。
	Clear(ctx context.Context, name string) error
}

// SelectionLogRepository は選曲履歴の永続化インターフェース。
type SelectionLogRepository interface {
	// Append は提供した選曲1件を追記する。
	Append(ctx context.Context, entry *model.SelectionHistoryEntry) error

	// SetFeedback は指定セッションで指定レコードを提供した最新の行にフィードバックを記録する。
	// 該当する行がない場合はfalseを返す。
	SetFeedback(ctx context.Context, sessionID string, externalID int64, score int) (bool, error)

	// LoadRecent は最新limit件を古い順に取得する。
	LoadRecent(ctx context.Context, limit int) ([]model.SelectionHistoryEntry, error)

	// Stats はsince以降の選曲とフィードバックを集計する。
	Stats(ctx context.Context, since time.Time) (*model.SelectionStats, error)

	// ScoredSince はsince以降でフィードバック付きの行を取得する。
	ScoredSince(ctx context.Context, since time.Time) ([]model.SelectionHistoryEntry, error)

	// DeleteOlderThan はcutoffより前の行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExperimentAssignmentRepository は実験バリアント割り当ての記録先。
// 割り当て自体はハッシュで決まるため、ここには分析用に記録するだけ。
type ExperimentAssignmentRepository interface {
	// Record は割り当てを記録する。既に記録済みの場合は何もしない。
	Record(ctx context.Context, sessionID, experiment, variant string, at time.Time) error

	// CountByVariant は実験ごとのバリアント別割り当て数を返す。
	CountByVariant(ctx context.Context, experiment string) (map[string]int, error)
}

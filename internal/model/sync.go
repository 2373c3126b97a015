package model

import "time"

// SyncStatus は同期実行の状態を表す。
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusCancelled SyncStatus = "cancelled"
)

// IsTerminal は終端状態（completed/failed/cancelled）かどうかを返す。
func (s SyncStatus) IsTerminal() bool {
	switch s {
	case SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled:
		return true
	}
	return false
}

// SyncState は1回の同期実行の進捗を表す。
// 同期goroutineだけが更新し、読み手には値のコピーが渡される。
type SyncState struct {
	RunID               string
	Status              SyncStatus
	ForceFull           bool
	ProcessedCount      int
	TotalCount          int
	CurrentPage         int
	ErrorCount          int
	StartedAt           *time.Time
	FinishedAt          *time.Time
	EstimatedCompletion *time.Time
	LastError           *string
	LastErrorKind       ErrorKind
}

// ProgressPercent は総件数に対する処理済み件数の割合（0〜100）を返す。
func (s SyncState) ProgressPercent() float64 {
	if s.TotalCount <= 0 {
		return 0
	}
	p := float64(s.ProcessedCount) / float64(s.TotalCount) * 100
	if p > 100 {
		return 100
	}
	return p
}

// SyncLogEntry は同期履歴テーブルの1行を表す。
// 終端状態に達した同期ごとに1行追記される。
type SyncLogEntry struct {
	ID           int64
	SyncedAt     time.Time
	ItemsSynced  int
	Status       SyncStatus
	ErrorMessage *string
}

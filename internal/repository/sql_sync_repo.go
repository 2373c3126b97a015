package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loydmilligan/vinylvault/internal/database"
	"github.com/loydmilligan/vinylvault/internal/model"
)

// SQLSyncLogRepo はSQLデータベースを使用した同期履歴リポジトリ。
type SQLSyncLogRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLSyncLogRepo はSQLSyncLogRepoを生成する。
func NewSQLSyncLogRepo(db *sql.DB, dialect database.Dialect) *SQLSyncLogRepo {
	return &SQLSyncLogRepo{db: db, dialect: dialect}
}

// Append は終端状態に達した同期1回分を追記する。
func (r *SQLSyncLogRepo) Append(ctx context.Context, entry *model.SyncLogEntry) error {
	_, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`INSERT INTO sync_log (synced_at, items_synced, status, error_message)
		 VALUES ($1, $2, $3, $4)`),
		utc(entry.SyncedAt), entry.ItemsSynced, string(entry.Status), nullString(entry.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("同期履歴の追記に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件の同期履歴を取得する。
func (r *SQLSyncLogRepo) ListRecent(ctx context.Context, limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, rebind(r.dialect,
		`SELECT id, synced_at, items_synced, status, error_message
		 FROM sync_log ORDER BY synced_at DESC, id DESC LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("同期履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.SyncLogEntry
	for rows.Next() {
		var e model.SyncLogEntry
		var status string
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.SyncedAt, &e.ItemsSynced, &status, &msg); err != nil {
			return nil, fmt.Errorf("同期履歴のスキャンに失敗しました: %w", err)
		}
		e.Status = model.SyncStatus(status)
		e.ErrorMessage = stringPtr(msg)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期履歴の読み取りに失敗しました: %w", err)
	}
	return entries, nil
}

// SQLSyncBookmarkRepo はSQLデータベースを使用した同期ブックマークリポジトリ。
type SQLSyncBookmarkRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLSyncBookmarkRepo はSQLSyncBookmarkRepoを生成する。
func NewSQLSyncBookmarkRepo(db *sql.DB, dialect database.Dialect) *SQLSyncBookmarkRepo {
	return &SQLSyncBookmarkRepo{db: db, dialect: dialect}
}

// Get は次に取得すべきページを返す。ブックマークがない場合は0を返す。
func (r *SQLSyncBookmarkRepo) Get(ctx context.Context, name string) (int, error) {
	var page int
	err := r.db.QueryRowContext(ctx, rebind(r.dialect,
		`SELECT next_page FROM sync_bookmarks WHERE name = $1`), name).Scan(&page)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("同期ブックマークの取得に失敗しました: %w", err)
	}
	return page, nil
}

// Save は次に取得すべきページを保存する。
func (r *SQLSyncBookmarkRepo) Save(ctx context.Context, name string, nextPage int) error {
	_, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`INSERT INTO sync_bookmarks (name, next_page, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET next_page = excluded.next_page, updated_at = excluded.updated_at`),
		name, nextPage, utc(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("同期ブックマークの保存に失敗しました: %w", err)
	}
	return nil
}

// Clear はブックマークを削除する。
func (r *SQLSyncBookmarkRepo) Clear(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`DELETE FROM sync_bookmarks WHERE name = $1`), name); err != nil {
		return fmt.Errorf("同期ブックマークの削除に失敗しました: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loydmilligan/vinylvault/internal/database"
	"github.com/loydmilligan/vinylvault/internal/model"
)

const recordColumns = `external_id, title, primary_attribution, year, tags, subtags,
	cover_ref, cover_refs, tracks, note, rating, added_at, collection_group,
	play_count, last_played_at, user_edited, synced_at`

// SQLRecordRepo はSQLデータベースを使用したレコードリポジトリ。
type SQLRecordRepo struct {
	db      *sql.DB
	dialect database.Dialect
	policy  OverwritePolicy
}

// NewSQLRecordRepo はSQLRecordRepoを生成する。
// policyは再同期時の評価・メモの上書き方針を指定する。
func NewSQLRecordRepo(db *sql.DB, dialect database.Dialect, policy OverwritePolicy) *SQLRecordRepo {
	if policy == "" {
		policy = OverwriteRemoteWins
	}
	return &SQLRecordRepo{db: db, dialect: dialect, policy: policy}
}

// Upsert はExternalIDをキーにレコードを挿入または更新する。
// 1文で完結するため、レコード単位でアトミックに反映される。
// play_count、last_played_at、added_atは更新対象に含めない。
func (r *SQLRecordRepo) Upsert(ctx context.Context, rec *model.Record) error {
	var year sql.NullInt64
	if rec.Year != nil {
		year = sql.NullInt64{Int64: int64(*rec.Year), Valid: true}
	}
	syncedAt := rec.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}
	addedAt := rec.AddedAt
	if addedAt.IsZero() {
		addedAt = syncedAt
	}

	_, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`INSERT INTO records (external_id, title, primary_attribution, year, tags, subtags,
		        cover_ref, cover_refs, tracks, note, rating, added_at, collection_group,
		        synced_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		 ON CONFLICT (external_id) DO UPDATE SET
		        title = excluded.title,
		        primary_attribution = excluded.primary_attribution,
		        year = excluded.year,
		        tags = excluded.tags,
		        subtags = excluded.subtags,
		        cover_ref = excluded.cover_ref,
		        cover_refs = excluded.cover_refs,
		        tracks = excluded.tracks,
		        collection_group = excluded.collection_group,
		        rating = CASE WHEN records.user_edited AND $15 THEN records.rating ELSE excluded.rating END,
		        note = CASE WHEN records.user_edited AND $15 THEN records.note ELSE excluded.note END,
		        synced_at = excluded.synced_at,
		        updated_at = excluded.synced_at`),
		rec.ExternalID, rec.Title, rec.PrimaryAttribution, year,
		encodeJSON(nonNil(rec.Tags)), encodeJSON(nonNil(rec.Subtags)),
		rec.CoverRef, encodeJSON(nonNil(rec.CoverRefs)), encodeJSON(tracksOrEmpty(rec.Tracks)),
		nullString(rec.Note), rec.Rating, utc(addedAt), nullInt64(rec.CollectionGroup),
		utc(syncedAt), r.policy == OverwritePreserveUserEdits,
	)
	if err != nil {
		return fmt.Errorf("レコードのUPSERTに失敗しました (external_id=%d): %w", rec.ExternalID, err)
	}
	return nil
}

// GetAllEligible は選曲対象となる全レコードを取得する。
func (r *SQLRecordRepo) GetAllEligible(ctx context.Context) ([]model.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("レコード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("レコードのスキャンに失敗しました: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レコード一覧の読み取りに失敗しました: %w", err)
	}
	return records, nil
}

// GetByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
func (r *SQLRecordRepo) GetByID(ctx context.Context, externalID int64) (*model.Record, error) {
	row := r.db.QueryRowContext(ctx, rebind(r.dialect,
		`SELECT `+recordColumns+` FROM records WHERE external_id = $1`), externalID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レコードの取得に失敗しました: %w", err)
	}
	return rec, nil
}

// RecordPlayed は再生回数をインクリメントし最終再生日時を更新する。
func (r *SQLRecordRepo) RecordPlayed(ctx context.Context, externalID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`UPDATE records SET play_count = play_count + 1, last_played_at = $2, updated_at = $2
		 WHERE external_id = $1`), externalID, utc(at))
	if err != nil {
		return false, fmt.Errorf("再生記録の更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("再生記録の更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Count はレコード件数を返す。
func (r *SQLRecordRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("レコード件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// RandomOne は一様ランダムに1件取得する。レコードがない場合はnilを返す。
func (r *SQLRecordRepo) RandomOne(ctx context.Context) (*model.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY RANDOM() LIMIT 1`)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ランダムなレコードの取得に失敗しました: %w", err)
	}
	return rec, nil
}

// SetUserEdited はローカルで編集された評価・メモを保存し、編集済みフラグを立てる。
func (r *SQLRecordRepo) SetUserEdited(ctx context.Context, externalID int64, rating int, note *string) (bool, error) {
	if rating < 0 || rating > model.MaxRating {
		return false, fmt.Errorf("評価は0〜%dの範囲で指定してください: %d", model.MaxRating, rating)
	}
	res, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`UPDATE records SET rating = $2, note = $3, user_edited = $4, updated_at = $5
		 WHERE external_id = $1`), externalID, rating, nullString(note), true, utc(time.Now()))
	if err != nil {
		return false, fmt.Errorf("レコードの編集に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("レコードの編集件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*model.Record, error) {
	rec := &model.Record{}
	var year, collectionGroup sql.NullInt64
	var tags, subtags, coverRefs, tracks string
	var note sql.NullString
	var lastPlayed sql.NullTime

	err := s.Scan(
		&rec.ExternalID, &rec.Title, &rec.PrimaryAttribution, &year, &tags, &subtags,
		&rec.CoverRef, &coverRefs, &tracks, &note, &rec.Rating, &rec.AddedAt, &collectionGroup,
		&rec.PlayCount, &lastPlayed, &rec.UserEdited, &rec.SyncedAt,
	)
	if err != nil {
		return nil, err
	}

	if year.Valid {
		y := int(year.Int64)
		rec.Year = &y
	}
	if collectionGroup.Valid {
		g := collectionGroup.Int64
		rec.CollectionGroup = &g
	}
	rec.Tags = decodeStrings(tags)
	rec.Subtags = decodeStrings(subtags)
	rec.CoverRefs = decodeStrings(coverRefs)
	rec.Note = stringPtr(note)
	rec.LastPlayedAt = timePtr(lastPlayed)

	if err := json.Unmarshal([]byte(tracks), &rec.Tracks); err != nil || rec.Tracks == nil {
		rec.Tracks = []model.Track{}
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func tracksOrEmpty(t []model.Track) []model.Track {
	if t == nil {
		return []model.Track{}
	}
	return t
}

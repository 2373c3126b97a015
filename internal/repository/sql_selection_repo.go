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

const selectionColumns = `external_id, session_id, tags, primary_attribution, served_at,
	feedback, algorithm_version, experiment_variant, weight_factors`

// SQLSelectionLogRepo はSQLデータベースを使用した選曲履歴リポジトリ。
type SQLSelectionLogRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLSelectionLogRepo はSQLSelectionLogRepoを生成する。
func NewSQLSelectionLogRepo(db *sql.DB, dialect database.Dialect) *SQLSelectionLogRepo {
	return &SQLSelectionLogRepo{db: db, dialect: dialect}
}

// Append は提供した選曲1件を追記する。
func (r *SQLSelectionLogRepo) Append(ctx context.Context, e *model.SelectionHistoryEntry) error {
	var factors sql.NullString
	if e.Factors != nil {
		b, err := json.Marshal(e.Factors)
		if err == nil {
			factors = sql.NullString{String: string(b), Valid: true}
		}
	}
	primaryTag := ""
	if len(e.Tags) > 0 {
		primaryTag = e.Tags[0]
	}
	var feedback sql.NullInt64
	if e.Feedback != nil {
		feedback = sql.NullInt64{Int64: int64(*e.Feedback), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`INSERT INTO selection_log (external_id, session_id, primary_tag, tags, primary_attribution,
		        served_at, feedback, algorithm_version, experiment_variant, weight_factors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		e.ExternalID, e.SessionID, primaryTag, encodeJSON(nonNil(e.Tags)), e.PrimaryAttribution,
		utc(e.ServedAt), feedback, e.AlgorithmVersion, nullString(e.ExperimentVariant), factors,
	)
	if err != nil {
		return fmt.Errorf("選曲履歴の追記に失敗しました: %w", err)
	}
	return nil
}

// SetFeedback は指定セッションで指定レコードを提供した最新の行にフィードバックを記録する。
func (r *SQLSelectionLogRepo) SetFeedback(ctx context.Context, sessionID string, externalID int64, score int) (bool, error) {
	res, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`UPDATE selection_log SET feedback = $3
		 WHERE id = (
		     SELECT id FROM selection_log
		     WHERE external_id = $1 AND session_id = $2
		     ORDER BY served_at DESC, id DESC LIMIT 1
		 )`), externalID, sessionID, score)
	if err != nil {
		return false, fmt.Errorf("フィードバックの記録に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("フィードバックの更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// LoadRecent は最新limit件を古い順に取得する。
func (r *SQLSelectionLogRepo) LoadRecent(ctx context.Context, limit int) ([]model.SelectionHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, rebind(r.dialect,
		`SELECT `+selectionColumns+` FROM selection_log
		 ORDER BY served_at DESC, id DESC LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("選曲履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries, err := scanSelectionRows(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Stats はsince以降の選曲とフィードバックを集計する。
func (r *SQLSelectionLogRepo) Stats(ctx context.Context, since time.Time) (*model.SelectionStats, error) {
	stats := &model.SelectionStats{}
	var avg sql.NullFloat64

	err := r.db.QueryRowContext(ctx, rebind(r.dialect,
		`SELECT COUNT(*),
		        COUNT(CASE WHEN feedback = 1 THEN 1 END),
		        COUNT(CASE WHEN feedback = -1 THEN 1 END),
		        AVG(feedback),
		        COUNT(DISTINCT NULLIF(primary_tag, ''))
		 FROM selection_log WHERE served_at >= $1`), utc(since),
	).Scan(&stats.TotalSelections, &stats.PositiveFeedback, &stats.NegativeFeedback, &avg, &stats.UniquePrimaryTags)
	if err != nil {
		return nil, fmt.Errorf("選曲履歴の集計に失敗しました: %w", err)
	}
	if avg.Valid {
		v := avg.Float64
		stats.AverageFeedback = &v
	}
	return stats, nil
}

// ScoredSince はsince以降でフィードバック付きの行を取得する。
func (r *SQLSelectionLogRepo) ScoredSince(ctx context.Context, since time.Time) ([]model.SelectionHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, rebind(r.dialect,
		`SELECT `+selectionColumns+` FROM selection_log
		 WHERE feedback IS NOT NULL AND served_at >= $1
		 ORDER BY served_at, id`), utc(since))
	if err != nil {
		return nil, fmt.Errorf("フィードバック付き選曲履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanSelectionRows(rows)
}

// DeleteOlderThan はcutoffより前の行を削除し、削除件数を返す。
func (r *SQLSelectionLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`DELETE FROM selection_log WHERE served_at < $1`), utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("古い選曲履歴の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func scanSelectionRows(rows *sql.Rows) ([]model.SelectionHistoryEntry, error) {
	var entries []model.SelectionHistoryEntry
	for rows.Next() {
		var e model.SelectionHistoryEntry
		var tags string
		var feedback sql.NullInt64
		var variant, factors sql.NullString

		if err := rows.Scan(&e.ExternalID, &e.SessionID, &tags, &e.PrimaryAttribution, &e.ServedAt,
			&feedback, &e.AlgorithmVersion, &variant, &factors); err != nil {
			return nil, fmt.Errorf("選曲履歴のスキャンに失敗しました: %w", err)
		}

		e.Tags = decodeStrings(tags)
		e.ExperimentVariant = stringPtr(variant)
		if feedback.Valid {
			f := int(feedback.Int64)
			e.Feedback = &f
		}
		if factors.Valid {
			var wb model.WeightBreakdown
			if err := json.Unmarshal([]byte(factors.String), &wb); err == nil {
				e.Factors = &wb
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("選曲履歴の読み取りに失敗しました: %w", err)
	}
	return entries, nil
}

// SQLExperimentAssignmentRepo はSQLデータベースを使用した実験割り当てリポジトリ。
type SQLExperimentAssignmentRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLExperimentAssignmentRepo はSQLExperimentAssignmentRepoを生成する。
func NewSQLExperimentAssignmentRepo(db *sql.DB, dialect database.Dialect) *SQLExperimentAssignmentRepo {
	return &SQLExperimentAssignmentRepo{db: db, dialect: dialect}
}

// Record は割り当てを記録する。既に記録済みの場合は何もしない。
func (r *SQLExperimentAssignmentRepo) Record(ctx context.Context, sessionID, experiment, variant string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, rebind(r.dialect,
		`INSERT INTO experiment_assignments (session_id, experiment, variant, assigned_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, experiment) DO NOTHING`),
		sessionID, experiment, variant, utc(at),
	)
	if err != nil {
		return fmt.Errorf("実験割り当ての記録に失敗しました: %w", err)
	}
	return nil
}

// CountByVariant は実験ごとのバリアント別割り当て数を返す。
func (r *SQLExperimentAssignmentRepo) CountByVariant(ctx context.Context, experiment string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, rebind(r.dialect,
		`SELECT variant, COUNT(*) FROM experiment_assignments
		 WHERE experiment = $1 GROUP BY variant`), experiment)
	if err != nil {
		return nil, fmt.Errorf("実験割り当ての集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var variant string
		var n int
		if err := rows.Scan(&variant, &n); err != nil {
			return nil, fmt.Errorf("実験割り当てのスキャンに失敗しました: %w", err)
		}
		counts[variant] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実験割り当ての読み取りに失敗しました: %w", err)
	}
	return counts, nil
}

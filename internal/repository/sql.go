package repository

import (
	"database/sql"
	"encoding/json"
	"regexp"
	"time"

	"github.com/loydmilligan/vinylvault/internal/database"
)

// placeholder は $1 形式のプレースホルダー。
var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind はPostgreSQL形式のプレースホルダーを方言に合わせて書き換える。
// SQLiteでは番号付きの ?1 形式に変換する。
func rebind(dialect database.Dialect, query string) string {
	if dialect != database.DialectSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

// utc は保存する時刻をUTCに揃える。SQLiteでは文字列比較になるため書式を統一する。
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// encodeJSON は配列値をTEXT列に保存するためのJSON文字列に変換する。
func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeStrings はTEXT列のJSON配列を文字列スライスに戻す。壊れた値は空として扱う。
func decodeStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

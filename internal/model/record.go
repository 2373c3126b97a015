package model

import "time"

// Record はコレクション内の1枚のレコードを表す。
// ExternalIDはリモートAPI上の安定した識別子で、ローカルストア内で一意となる。
type Record struct {
	ExternalID         int64
	Title              string
	PrimaryAttribution string // 先頭アーティスト名
	Year               *int
	Tags               []string // ジャンル
	Subtags            []string // スタイル
	CoverRef           string   // 外部で解決される不透明な画像参照
	CoverRefs          []string
	Tracks             []Track
	Note               *string // サニタイズ済み
	Rating             int     // 0は未評価
	AddedAt            time.Time
	CollectionGroup    *int64 // フォルダID
	PlayCount          int
	LastPlayedAt       *time.Time
	UserEdited         bool
	SyncedAt           time.Time
}

// Track はレコードの収録曲を表す。
type Track struct {
	Position string `json:"position"`
	Title    string `json:"title"`
	Duration string `json:"duration"`
}

// MaxRating はレコード評価の上限値。
const MaxRating = 5

// PrimaryTag は先頭のタグ（ジャンル）を返す。タグがない場合は空文字を返す。
func (r *Record) PrimaryTag() string {
	if len(r.Tags) == 0 {
		return ""
	}
	return r.Tags[0]
}

// SharesTag は指定タグ集合と1つ以上共通のタグを持つかどうかを返す。
func (r *Record) SharesTag(tags []string) bool {
	for _, t := range r.Tags {
		for _, o := range tags {
			if t == o {
				return true
			}
		}
	}
	return false
}

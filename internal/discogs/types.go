package discogs

import (
	"encoding/json"
	"strings"
)

// collectionResponse はコレクション一覧APIのレスポンス。
type collectionResponse struct {
	Pagination pagination   `json:"pagination"`
	Releases   []RawRelease `json:"releases"`
}

type pagination struct {
	Page    int `json:"page"`
	Pages   int `json:"pages"`
	PerPage int `json:"per_page"`
	Items   int `json:"items"`
}

// RawRelease はコレクション一覧APIが返す1件分の生データ。
type RawRelease struct {
	ID               int64            `json:"id"`
	InstanceID       int64            `json:"instance_id"`
	DateAdded        string           `json:"date_added"`
	Rating           int              `json:"rating"`
	FolderID         *int64           `json:"folder_id"`
	Notes            rawNotes         `json:"notes"`
	BasicInformation basicInformation `json:"basic_information"`
}

type basicInformation struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Year       int        `json:"year"`
	Thumb      string     `json:"thumb"`
	CoverImage string     `json:"cover_image"`
	Artists    []rawName  `json:"artists"`
	Genres     []string   `json:"genres"`
	Styles     []string   `json:"styles"`
	Images     []rawImage `json:"images"`
	Tracklist  []rawTrack `json:"tracklist"`
}

type rawName struct {
	Name string `json:"name"`
}

type rawImage struct {
	Type   string `json:"type"`
	URI    string `json:"uri"`
	URI150 string `json:"uri150"`
}

type rawTrack struct {
	Position string `json:"position"`
	Title    string `json:"title"`
	Duration string `json:"duration"`
}

// rawNotes はメモ欄を表す。APIは文字列または
// [{"field_id":3,"value":"..."}] 形式のリストのどちらかを返す。
type rawNotes struct {
	Text string
}

// UnmarshalJSON は文字列・リストどちらの形式も受け付ける。
func (n *rawNotes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		n.Text = s
		return nil
	}

	var fields []struct {
		FieldID int             `json:"field_id"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		var v string
		if err := json.Unmarshal(f.Value, &v); err != nil {
			v = strings.Trim(string(f.Value), `"`)
		}
		if v != "" {
			lines = append(lines, v)
		}
	}
	n.Text = strings.Join(lines, "\n")
	return nil
}

// identityResponse は認証ユーザー確認APIのレスポンス。
type identityResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Identity は認証済みユーザーの情報を表す。
type Identity struct {
	ID       int64
	Username string
}

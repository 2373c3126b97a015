package discogs

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loydmilligan/vinylvault/internal/model"
	"github.com/loydmilligan/vinylvault/internal/security"
)

const (
	unknownTitle   = "Unknown Title"
	variousArtists = "Various Artists"
)

// disambiguationSuffix は同名アーティストを区別するための " (2)" のような接尾辞。
var disambiguationSuffix = regexp.MustCompile(`\s*\(\d+\)$`)

// TextSanitizer はメモやタイトルからHTMLを除去する。
type TextSanitizer interface {
	SanitizeText(raw string) string
}

// Normalize はリモートの生データをRecordに変換する。
// 入力だけから結果が決まる純粋な変換で、date_addedが欠けている場合のみnowを使う。
// PlayCountとLastPlayedAtは同期では扱わないため常にゼロ値となる。
func Normalize(raw RawRelease, sanitizer TextSanitizer, now time.Time) (model.Record, error) {
	basic := raw.BasicInformation

	id := basic.ID
	if id == 0 {
		id = raw.ID
	}
	if id <= 0 {
		return model.Record{}, fmt.Errorf("リリースIDがありません (instance_id=%d)", raw.InstanceID)
	}

	rec := model.Record{
		ExternalID:         id,
		Title:              sanitizer.SanitizeText(basic.Title),
		PrimaryAttribution: primaryArtist(basic.Artists, sanitizer),
		Tags:               nonEmpty(basic.Genres),
		Subtags:            nonEmpty(basic.Styles),
		Rating:             clampRating(raw.Rating),
		CollectionGroup:    raw.FolderID,
		SyncedAt:           now,
	}
	if rec.Title == "" {
		rec.Title = unknownTitle
	}

	if basic.Year > 0 {
		y := basic.Year
		rec.Year = &y
	}

	if note := sanitizer.SanitizeText(raw.Notes.Text); note != "" {
		rec.Note = &note
	}

	rec.AddedAt = now
	if raw.DateAdded != "" {
		if t, err := time.Parse(time.RFC3339, raw.DateAdded); err == nil {
			rec.AddedAt = t
		}
	}

	rec.Tracks = make([]model.Track, 0, len(basic.Tracklist))
	for _, tr := range basic.Tracklist {
		rec.Tracks = append(rec.Tracks, model.Track{
			Position: strings.TrimSpace(tr.Position),
			Title:    sanitizer.SanitizeText(tr.Title),
			Duration: strings.TrimSpace(tr.Duration),
		})
	}

	rec.CoverRefs = security.FilterCoverRefs(imageRefs(basic))
	if len(rec.CoverRefs) > 0 {
		rec.CoverRef = rec.CoverRefs[0]
	}

	return rec, nil
}

// primaryArtist は先頭アーティスト名を返す。いない場合はVarious Artistsとする。
func primaryArtist(artists []rawName, sanitizer TextSanitizer) string {
	for _, a := range artists {
		name := disambiguationSuffix.ReplaceAllString(sanitizer.SanitizeText(a.Name), "")
		if name != "" {
			return name
		}
	}
	return variousArtists
}

// imageRefs は画像参照を優先順に並べて返す。
// primary画像を先頭にし、なければcover_image、thumbの順に補う。
func imageRefs(basic basicInformation) []string {
	var primary, secondary []string
	for _, img := range basic.Images {
		ref := img.URI
		if ref == "" {
			ref = img.URI150
		}
		if ref == "" {
			continue
		}
		if img.Type == "primary" {
			primary = append(primary, ref)
		} else {
			secondary = append(secondary, ref)
		}
	}

	refs := append(primary, secondary...)
	for _, ref := range []string{basic.CoverImage, basic.Thumb} {
		if ref != "" && !contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

func clampRating(r int) int {
	if r < 0 {
		return 0
	}
	if r > model.MaxRating {
		return model.MaxRating
	}
	return r
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

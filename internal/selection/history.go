// Package selection は重み付きランダム選曲エンジンを提供する。
// 選曲履歴、重み計算、事前計算された候補プール、フィードバック学習を含む。
package selection

import (
	"sync"
	"time"

	"github.com/loydmilligan/vinylvault/internal/model"
)

// HistoryView は重み計算が参照する履歴の読み取りビュー。
type HistoryView interface {
	// RecentTags は直近k件のタグ一覧を古い順に返す。
	RecentTags(k int) [][]string
	// RecentAttributions は直近k件のアーティスト名を古い順に返す。
	RecentAttributions(k int) []string
	// LastServed は指定レコードを最後に提供した時刻を返す。
	LastServed(externalID int64) (time.Time, bool)
}

// History は提供済みの選曲を新しい順に末尾へ積む上限付きの列。
// 上限を超えると最も古いエントリから捨てる。並行アクセスに対して安全。
//
// レコードごとの最終提供時刻はエントリの上限とは別に、
// 再提供禁止期間（window）の間だけ保持する。
type History struct {
	mu         sync.RWMutex
	entries    []model.SelectionHistoryEntry
	max        int
	window     time.Duration
	lastServed map[int64]time.Time
}

// NewHistory はHistoryを生成する。maxが0以下の場合は50を使用する。
// windowは最終提供時刻を保持する期間で、0以下の場合は24時間とする。
func NewHistory(max int, window time.Duration) *History {
	if max <= 0 {
		max = 50
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &History{max: max, window: window, lastServed: make(map[int64]time.Time)}
}

// RecordServed は提供した選曲を末尾に追加する。
func (h *History) RecordServed(e model.SelectionHistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	h.trim()
	h.markServed(e.ExternalID, e.ServedAt)
	h.pruneLastServed(e.ServedAt)
}

// Load は永続化された履歴で内容を置き換える。entriesは古い順であること。
// 上限を超える分もレコードごとの最終提供時刻には反映される。
func (h *History) Load(entries []model.SelectionHistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]model.SelectionHistoryEntry(nil), entries...)
	h.trim()
	h.lastServed = make(map[int64]time.Time, len(entries))
	var newest time.Time
	for _, e := range entries {
		h.markServed(e.ExternalID, e.ServedAt)
		if e.ServedAt.After(newest) {
			newest = e.ServedAt
		}
	}
	h.pruneLastServed(newest)
}

func (h *History) markServed(id int64, at time.Time) {
	if t, ok := h.lastServed[id]; !ok || at.After(t) {
		h.lastServed[id] = at
	}
}

func (h *History) pruneLastServed(now time.Time) {
	cutoff := now.Add(-h.window)
	for id, t := range h.lastServed {
		if t.Before(cutoff) {
			delete(h.lastServed, id)
		}
	}
}

func (h *History) trim() {
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append([]model.SelectionHistoryEntry(nil), h.entries[over:]...)
	}
}

// RecordFeedback は指定レコードの最新のエントリにフィードバックを記録する。
// scoreが-1/0/1以外、または該当エントリがない場合はfalseを返す。
func (h *History) RecordFeedback(externalID int64, score int) bool {
	if !ValidFeedback(score) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].ExternalID == externalID {
			s := score
			h.entries[i].Feedback = &s
			return true
		}
	}
	return false
}

// RecentTags は直近k件のタグ一覧を古い順に返す。
func (h *History) RecentTags(k int) [][]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return recentTags(h.entries, k)
}

// RecentAttributions は直近k件のアーティスト名を古い順に返す。
func (h *History) RecentAttributions(k int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return recentAttributions(h.entries, k)
}

// LastServed は指定レコードを最後に提供した時刻を返す。
// 再提供禁止期間より前の提供は忘れている場合がある。
func (h *History) LastServed(externalID int64) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.lastServed[externalID]
	return t, ok
}

// Snapshot は履歴のコピーを古い順に返す。
func (h *History) Snapshot() []model.SelectionHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]model.SelectionHistoryEntry(nil), h.entries...)
}

// Len は保持しているエントリ数を返す。
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// DiversityScore は履歴中の異なる主タグ数をエントリ数で割った値を返す。
func (h *History) DiversityScore() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	for _, e := range h.entries {
		if len(e.Tags) > 0 && e.Tags[0] != "" {
			seen[e.Tags[0]] = struct{}{}
		}
	}
	return float64(len(seen)) / float64(len(h.entries))
}

// Freeze はリフレッシュ1回分の計算に使うロック不要のビューを返す。
func (h *History) Freeze() HistoryView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	last := make(map[int64]time.Time, len(h.lastServed))
	for id, t := range h.lastServed {
		last[id] = t
	}
	return &frozenHistory{
		entries: append([]model.SelectionHistoryEntry(nil), h.entries...),
		last:    last,
	}
}

// ValidFeedback はフィードバック値が-1/0/1のいずれかかを判定する。
func ValidFeedback(score int) bool {
	return score >= -1 && score <= 1
}

type frozenHistory struct {
	entries []model.SelectionHistoryEntry
	last    map[int64]time.Time
}

func (f *frozenHistory) RecentTags(k int) [][]string {
	return recentTags(f.entries, k)
}

func (f *frozenHistory) RecentAttributions(k int) []string {
	return recentAttributions(f.entries, k)
}

func (f *frozenHistory) LastServed(externalID int64) (time.Time, bool) {
	t, ok := f.last[externalID]
	return t, ok
}

func tail(entries []model.SelectionHistoryEntry, k int) []model.SelectionHistoryEntry {
	if k <= 0 {
		return nil
	}
	if k > len(entries) {
		k = len(entries)
	}
	return entries[len(entries)-k:]
}

func recentTags(entries []model.SelectionHistoryEntry, k int) [][]string {
	t := tail(entries, k)
	out := make([][]string, len(t))
	for i, e := range t {
		out[i] = e.Tags
	}
	return out
}

func recentAttributions(entries []model.SelectionHistoryEntry, k int) []string {
	t := tail(entries, k)
	out := make([]string, len(t))
	for i, e := range t {
		out[i] = e.PrimaryAttribution
	}
	return out
}

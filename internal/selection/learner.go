package selection

import (
	"context"
	"fmt"
	"time"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/model"
)

const (
	learnerMinSamples = 10
	learnerWindow     = 30 * 24 * time.Hour
	learnerStep       = 1.1
	learnerWeightCap  = 3.0
)

// ScoredSource はフィードバック付きの選曲ログを返す。
type ScoredSource interface {
	ScoredSince(ctx context.Context, since time.Time) ([]model.SelectionHistoryEntry, error)
}

// Suggestion はフィードバックから導いた設定変更の提案。
// 提案は表示するだけで、実行中の設定には適用しない。
type Suggestion struct {
	Samples         int     `json:"samples"`
	RatingWeight    float64 `json:"rating_weight"`
	PlayCountWeight float64 `json:"play_count_weight"`
	Changed         bool    `json:"changed"`
}

// Learner は直近30日のフィードバックから重み係数の調整を提案する。
type Learner struct {
	log ScoredSource
}

// NewLearner はLearnerを生成する。
func NewLearner(log ScoredSource) *Learner {
	return &Learner{log: log}
}

// Suggest はbaseに対する調整案を返す。
// 評価済みの選曲が10件未満の場合はnilを返す。
// 高評価だった選曲の係数平均が全体の平均を上回る項目は、その重みを1.1倍（上限3.0）にする。
func (l *Learner) Suggest(ctx context.Context, base config.AlgorithmConfig, now time.Time) (*Suggestion, error) {
	entries, err := l.log.ScoredSince(ctx, now.Add(-learnerWindow))
	if err != nil {
		return nil, fmt.Errorf("フィードバック履歴の取得に失敗しました: %w", err)
	}

	var all, liked []model.WeightBreakdown
	for _, e := range entries {
		if e.Feedback == nil || e.Factors == nil {
			continue
		}
		all = append(all, *e.Factors)
		if *e.Feedback > 0 {
			liked = append(liked, *e.Factors)
		}
	}
	if len(all) < learnerMinSamples {
		return nil, nil
	}

	s := &Suggestion{
		Samples:         len(all),
		RatingWeight:    base.RatingWeight,
		PlayCountWeight: base.PlayCountWeight,
	}
	if len(liked) == 0 {
		return s, nil
	}

	rating := func(b model.WeightBreakdown) float64 { return b.Rating }
	plays := func(b model.WeightBreakdown) float64 { return b.PlayCount }

	if mean(liked, rating) > mean(all, rating) {
		s.RatingWeight = nudge(base.RatingWeight)
	}
	if mean(liked, plays) > mean(all, plays) {
		s.PlayCountWeight = nudge(base.PlayCountWeight)
	}
	s.Changed = s.RatingWeight != base.RatingWeight || s.PlayCountWeight != base.PlayCountWeight
	return s, nil
}

func nudge(w float64) float64 {
	if w >= learnerWeightCap {
		return w
	}
	return min(learnerWeightCap, w*learnerStep)
}

func mean(bs []model.WeightBreakdown, f func(model.WeightBreakdown) float64) float64 {
	if len(bs) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bs {
		sum += f(b)
	}
	return sum / float64(len(bs))
}

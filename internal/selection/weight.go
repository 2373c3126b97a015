package selection

import (
	"math"
	"strings"
	"time"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/model"
)

const (
	// WeightFloor は対象レコードの重みの下限。0にはならない。
	WeightFloor = 0.01
	// AttributionPenalty は同じアーティストが続いた場合の係数。
	AttributionPenalty = 0.05

	seasonalBoost = 1.3
	dayBoost      = 1.2
	nightBoost    = 1.3
)

// seasonalMonths は主タグに含まれる語ごとのブースト対象月。
var seasonalMonths = map[string][]time.Month{
	"christmas":  {time.December, time.January},
	"holiday":    {time.December, time.January},
	"jazz":       {time.October, time.November, time.December},
	"classical":  {time.October, time.November, time.December, time.January, time.February},
	"electronic": {time.June, time.July, time.August},
	"reggae":     {time.June, time.July, time.August},
	"folk":       {time.September, time.October, time.November},
	"acoustic":   {time.September, time.October, time.November},
}

var (
	morningTags = []string{"classical", "acoustic", "folk", "jazz"}
	eveningTags = []string{"electronic", "rock", "pop"}
	nightTags   = []string{"ambient", "classical", "jazz"}
)

// WeightCalculator はレコードごとの選曲重みを計算する。
type WeightCalculator struct {
	cfg config.AlgorithmConfig
}

// NewWeightCalculator はWeightCalculatorを生成する。
func NewWeightCalculator(cfg config.AlgorithmConfig) *WeightCalculator {
	return &WeightCalculator{cfg: cfg}
}

// Calculate はレコードの重みと内訳を返す。
// excludedがtrueの場合、レコードは再提供禁止期間内のため候補から除外すべきことを示す。
// 重みは除外の有無にかかわらず計算され、常にWeightFloor以上となる。
func (c *WeightCalculator) Calculate(rec *model.Record, hist HistoryView, now time.Time) (float64, model.WeightBreakdown, bool) {
	b := model.WeightBreakdown{
		Base:        1.0,
		Rating:      c.ratingFactor(rec.Rating),
		PlayCount:   1 + c.cfg.PlayCountWeight*math.Log1p(float64(max(rec.PlayCount, 0))),
		Recency:     c.recencyFactor(rec, now),
		Diversity:   c.diversityFactor(rec, hist),
		Attribution: c.attributionFactor(rec, hist),
		Seasonal:    1.0,
		TimeOfDay:   1.0,
	}

	primary := strings.ToLower(rec.PrimaryTag())
	if c.cfg.SeasonalAdjustment {
		b.Seasonal = seasonalFactor(primary, now.Month())
	}
	if c.cfg.TimeBasedPreferences {
		b.TimeOfDay = timeOfDayFactor(primary, now.Hour())
	}

	w := b.Base * b.Rating * b.PlayCount * b.Recency * b.Diversity * b.Attribution * b.Seasonal * b.TimeOfDay
	if math.IsNaN(w) || w < WeightFloor {
		w = WeightFloor
	}
	b.Final = w

	excluded := false
	if window := c.cfg.MinTimeBetweenRepeats(); window > 0 && hist != nil {
		if last, ok := hist.LastServed(rec.ExternalID); ok && now.Sub(last) < window {
			excluded = true
		}
	}
	return w, b, excluded
}

func (c *WeightCalculator) ratingFactor(rating int) float64 {
	if rating <= 0 {
		return 1.0
	}
	if rating > model.MaxRating {
		rating = model.MaxRating
	}
	return math.Pow(c.cfg.RatingWeight, float64(rating))
}

func (c *WeightCalculator) recencyFactor(rec *model.Record, now time.Time) float64 {
	if rec.PlayCount <= 0 {
		return 1 + c.cfg.RecencyWeight
	}
	if window := c.cfg.NewWindow(); window > 0 && !rec.AddedAt.IsZero() && now.Sub(rec.AddedAt) <= window {
		return 1 + c.cfg.RecencyWeight*c.cfg.NewBonusRatio
	}
	return 1.0
}

// diversityFactor は直近の履歴とタグが重なるエントリごとにペナルティを掛ける。
func (c *WeightCalculator) diversityFactor(rec *model.Record, hist HistoryView) float64 {
	if hist == nil || len(rec.Tags) == 0 {
		return 1.0
	}
	f := 1.0
	for _, tags := range hist.RecentTags(c.cfg.GenreCooldownSelections) {
		if rec.SharesTag(tags) {
			f *= c.cfg.DiversityPenalty
		}
	}
	return f
}

// attributionFactor は直近の履歴に同じアーティストが2回以上現れる場合にほぼ除外扱いとする。
func (c *WeightCalculator) attributionFactor(rec *model.Record, hist HistoryView) float64 {
	if hist == nil || rec.PrimaryAttribution == "" {
		return 1.0
	}
	n := 0
	for _, a := range hist.RecentAttributions(c.cfg.MaxSameArtistStreak) {
		if strings.EqualFold(a, rec.PrimaryAttribution) {
			n++
		}
	}
	if n > 1 {
		return AttributionPenalty
	}
	return 1.0
}

func seasonalFactor(primaryTag string, month time.Month) float64 {
	if primaryTag == "" {
		return 1.0
	}
	for key, months := range seasonalMonths {
		if !strings.Contains(primaryTag, key) {
			continue
		}
		for _, m := range months {
			if m == month {
				return seasonalBoost
			}
		}
	}
	return 1.0
}

// timeOfDayFactor は時間帯に合うジャンルを優遇する。
// 朝は6〜10時、夜は18〜22時、深夜は23〜5時。
func timeOfDayFactor(primaryTag string, hour int) float64 {
	if primaryTag == "" {
		return 1.0
	}
	switch {
	case hour >= 6 && hour <= 10:
		if containsAny(primaryTag, morningTags) {
			return dayBoost
		}
	case hour >= 18 && hour <= 22:
		if containsAny(primaryTag, eveningTags) {
			return dayBoost
		}
	case hour >= 23 || hour < 6:
		if containsAny(primaryTag, nightTags) {
			return nightBoost
		}
	}
	return 1.0
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

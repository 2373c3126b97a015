package model

import "time"

// WeightBreakdown は選曲重みを構成する各係数を保持する。診断表示用。
type WeightBreakdown struct {
	Base        float64 `json:"base"`
	Rating      float64 `json:"rating"`
	PlayCount   float64 `json:"play_count"`
	Recency     float64 `json:"recency"`
	Diversity   float64 `json:"diversity"`
	Attribution float64 `json:"attribution"`
	Seasonal    float64 `json:"seasonal"`
	TimeOfDay   float64 `json:"time_of_day"`
	Final       float64 `json:"final"`
}

// SelectionCandidate はキャッシュプール内の選曲候補を表す。
// リフレッシュのたびに丸ごと作り直され、部分的に更新されることはない。
type SelectionCandidate struct {
	Record  Record
	Weight  float64
	Factors WeightBreakdown
}

// SelectionHistoryEntry は提供済みの選曲1件を表す。
type SelectionHistoryEntry struct {
	ExternalID         int64
	Tags               []string
	PrimaryAttribution string
	SessionID          string
	ServedAt           time.Time
	Feedback           *int
	AlgorithmVersion   string
	ExperimentVariant  *string
	Factors            *WeightBreakdown
}

// SelectionResult はランダム選曲1回分の結果を表す。
// Fallbackは緊急リフレッシュが間に合わず一様ランダムで選んだ場合にtrueとなる。
type SelectionResult struct {
	Record   Record
	Factors  WeightBreakdown
	Variant  string
	CacheHit bool
	Fallback bool
}

// SelectionStats は選曲ログの集計値を表す。
type SelectionStats struct {
	TotalSelections    int      `json:"total_selections"`
	PositiveFeedback   int      `json:"positive_feedback"`
	NegativeFeedback   int      `json:"negative_feedback"`
	AverageFeedback    *float64 `json:"average_feedback"`
	UniquePrimaryTags  int      `json:"unique_primary_tags"`
	RecentWindowInDays int      `json:"recent_window_in_days"`
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AlgorithmConfig は重み付きランダム選曲のチューニング値。
// 1回のリフレッシュの間はイミュータブルなスナップショットとして扱う。
type AlgorithmConfig struct {
	Version string `yaml:"version" json:"version" validate:"required"`

	// 重み係数
	RatingWeight     float64 `yaml:"rating_weight" json:"rating_weight" validate:"gte=1,lte=10"`
	PlayCountWeight  float64 `yaml:"play_count_weight" json:"play_count_weight" validate:"gte=0,lte=10"`
	RecencyWeight    float64 `yaml:"recency_weight" json:"recency_weight" validate:"gte=0,lte=10"`
	NewWindowDays    int     `yaml:"new_window_days" json:"new_window_days" validate:"gte=0"`
	NewBonusRatio    float64 `yaml:"new_bonus_ratio" json:"new_bonus_ratio" validate:"gte=0,lte=1"`
	DiversityPenalty float64 `yaml:"diversity_penalty" json:"diversity_penalty" validate:"gt=0,lte=1"`

	// キャッシュ
	CacheSize             int `yaml:"cache_size" json:"cache_size" validate:"gte=1,lte=1000"`
	CacheRefreshThreshold int `yaml:"cache_refresh_threshold" json:"cache_refresh_threshold" validate:"gte=0,ltfield=CacheSize"`
	MaxHistorySize        int `yaml:"max_history_size" json:"max_history_size" validate:"gte=1,lte=10000"`

	// 選曲制約
	MinTimeBetweenRepeatsHours int `yaml:"min_time_between_repeats_hours" json:"min_time_between_repeats_hours" validate:"gte=0"`
	GenreCooldownSelections    int `yaml:"genre_cooldown_selections" json:"genre_cooldown_selections" validate:"gte=0"`
	MaxSameArtistStreak        int `yaml:"max_same_artist_streak" json:"max_same_artist_streak" validate:"gte=1"`

	// 学習
	FeedbackLearningRate float64 `yaml:"feedback_learning_rate" json:"feedback_learning_rate" validate:"gt=0,lte=1"`
	SeasonalAdjustment   bool    `yaml:"seasonal_adjustment" json:"seasonal_adjustment"`
	TimeBasedPreferences bool    `yaml:"time_based_preferences" json:"time_based_preferences"`

	// 性能
	MaxComputationTimeMS int `yaml:"max_computation_time_ms" json:"max_computation_time_ms" validate:"gte=1"`
}

// DefaultAlgorithmConfig はデフォルトのチューニング値を返す。
func DefaultAlgorithmConfig() AlgorithmConfig {
	return AlgorithmConfig{
		Version:                    "v1",
		RatingWeight:               2.0,
		PlayCountWeight:            1.5,
		RecencyWeight:              0.8,
		NewWindowDays:              30,
		NewBonusRatio:              0.5,
		DiversityPenalty:           0.5,
		CacheSize:                  20,
		CacheRefreshThreshold:      5,
		MaxHistorySize:             50,
		MinTimeBetweenRepeatsHours: 24,
		GenreCooldownSelections:    3,
		MaxSameArtistStreak:        2,
		FeedbackLearningRate:       0.1,
		SeasonalAdjustment:         true,
		TimeBasedPreferences:       true,
		MaxComputationTimeMS:       50,
	}
}

// MinTimeBetweenRepeats は同一レコードを再提供するまでの最短間隔。
func (c AlgorithmConfig) MinTimeBetweenRepeats() time.Duration {
	return time.Duration(c.MinTimeBetweenRepeatsHours) * time.Hour
}

// NewWindow は新着ボーナスの対象期間。
func (c AlgorithmConfig) NewWindow() time.Duration {
	return time.Duration(c.NewWindowDays) * 24 * time.Hour
}

// MaxComputation は緊急リフレッシュに許す計算時間。
func (c AlgorithmConfig) MaxComputation() time.Duration {
	return time.Duration(c.MaxComputationTimeMS) * time.Millisecond
}

// Validate はタグに従って値を検証する。
func (c AlgorithmConfig) Validate() error {
	return validateStruct(c)
}

// ExperimentConfig はA/Bテスト1件の定義。
type ExperimentConfig struct {
	Name     string          `yaml:"name" validate:"required"`
	Active   bool            `yaml:"active"`
	Variants []VariantConfig `yaml:"variants" validate:"min=1,dive"`
}

// VariantConfig は実験バリアント1件の定義。
// Overridesに書いたキーだけがベースのAlgorithmConfigを上書きする。
type VariantConfig struct {
	Name      string    `yaml:"name" validate:"required"`
	Weight    int       `yaml:"weight" validate:"gte=0"`
	Overrides yaml.Node `yaml:"config" validate:"-"`

	// Effective はベース設定にOverridesを適用した結果。読み込み時に確定する。
	Effective AlgorithmConfig `yaml:"-" validate:"-"`
}

// AlgorithmFile はALGORITHM_CONFIG_FILEの内容。
type AlgorithmFile struct {
	Algorithm   AlgorithmConfig    `yaml:"algorithm"`
	Experiments []ExperimentConfig `yaml:"experiments" validate:"dive"`
}

// LoadAlgorithmFile はYAMLファイルからアルゴリズム設定と実験定義を読み込む。
// pathが空の場合はデフォルト設定と空の実験定義を返す。
// ファイルに書かれていないキーはデフォルト値のまま残る。
func LoadAlgorithmFile(path string) (*AlgorithmFile, error) {
	file := &AlgorithmFile{Algorithm: DefaultAlgorithmConfig()}
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read algorithm config %s: %w", path, err)
	}
	return ParseAlgorithmFile(data)
}

// ParseAlgorithmFile はYAMLバイト列を解析し、各バリアントの有効設定を確定させる。
func ParseAlgorithmFile(data []byte) (*AlgorithmFile, error) {
	file := &AlgorithmFile{Algorithm: DefaultAlgorithmConfig()}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse algorithm config: %w", err)
	}
	if err := validateStruct(file); err != nil {
		return nil, fmt.Errorf("invalid algorithm config: %w", err)
	}

	seen := make(map[string]bool, len(file.Experiments))
	for i := range file.Experiments {
		exp := &file.Experiments[i]
		if seen[exp.Name] {
			return nil, fmt.Errorf("duplicate experiment name: %s", exp.Name)
		}
		seen[exp.Name] = true

		total := 0
		for j := range exp.Variants {
			v := &exp.Variants[j]
			total += v.Weight

			v.Effective = file.Algorithm
			if !v.Overrides.IsZero() {
				if err := v.Overrides.Decode(&v.Effective); err != nil {
					return nil, fmt.Errorf("failed to decode overrides for %s/%s: %w", exp.Name, v.Name, err)
				}
			}
			if err := v.Effective.Validate(); err != nil {
				return nil, fmt.Errorf("invalid overrides for %s/%s: %w", exp.Name, v.Name, err)
			}
		}
		if total <= 0 {
			return nil, fmt.Errorf("experiment %s has no traffic: variant weights sum to zero", exp.Name)
		}
	}

	return file, nil
}

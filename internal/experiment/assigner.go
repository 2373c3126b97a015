// Package experiment はセッションを実験バリアントへ決定的に割り当てる。
// 割り当てはセッションIDと実験名のハッシュだけで決まり、記録は分析用に行う。
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/repository"
	"github.com/loydmilligan/vinylvault/internal/selection"
)

// buckets はハッシュを振り分けるバケット数。
const buckets = 1000

// Assigner はセッションごとのアルゴリズム設定を決める。
// 有効な実験のうちファイル上で最初のものだけが割り当てに使われる。
type Assigner struct {
	base     config.AlgorithmConfig
	active   *config.ExperimentConfig
	byName   map[string]config.ExperimentConfig
	recorder repository.ExperimentAssignmentRepository
	logger   *slog.Logger

	recorded sync.Map
	now      func() time.Time
}

// NewAssigner はAssignerを生成する。recorderはnilでもよい。
func NewAssigner(file *config.AlgorithmFile, recorder repository.ExperimentAssignmentRepository, logger *slog.Logger) *Assigner {
	a := &Assigner{
		base:     file.Algorithm,
		byName:   make(map[string]config.ExperimentConfig, len(file.Experiments)),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}

	var ignored []string
	for i := range file.Experiments {
		exp := file.Experiments[i]
		a.byName[exp.Name] = exp
		if !exp.Active {
			continue
		}
		if a.active == nil {
			a.active = &exp
			continue
		}
		ignored = append(ignored, exp.Name)
	}
	if len(ignored) > 0 {
		logger.Warn("有効な実験が複数あります。最初の実験のみ使用します",
			slog.String("experiment", a.active.Name),
			slog.Any("ignored", ignored),
		)
	}
	return a
}

// AssignVariant はセッションを指定実験のバリアントに割り当てる。
// 同じセッションと実験に対しては常に同じバリアントを返す。未定義の実験には空文字を返す。
func (a *Assigner) AssignVariant(sessionID, experiment string) string {
	exp, ok := a.byName[experiment]
	if !ok {
		return ""
	}
	return pickVariant(sessionID, exp).Name
}

// ConfigFor はセッションに対する割り当てと有効な設定を返す。
// 初めての割り当ては記録先に保存する。記録の失敗は割り当てに影響しない。
func (a *Assigner) ConfigFor(ctx context.Context, sessionID string) selection.Assignment {
	if a.active == nil || sessionID == "" {
		return a.control()
	}

	v := pickVariant(sessionID, *a.active)
	asg := selection.Assignment{
		Key:        Key(a.active.Name, v.Name),
		Experiment: a.active.Name,
		Variant:    v.Name,
		Config:     v.Effective,
	}
	a.record(ctx, sessionID, asg)
	return asg
}

// Variants はプールを用意すべき割り当てを返す。先頭はコントロール。
func (a *Assigner) Variants() []selection.Assignment {
	out := []selection.Assignment{a.control()}
	if a.active == nil {
		return out
	}
	for _, v := range a.active.Variants {
		out = append(out, selection.Assignment{
			Key:        Key(a.active.Name, v.Name),
			Experiment: a.active.Name,
			Variant:    v.Name,
			Config:     v.Effective,
		})
	}
	return out
}

func (a *Assigner) control() selection.Assignment {
	return selection.Assignment{Key: selection.ControlKey, Variant: selection.ControlKey, Config: a.base}
}

func (a *Assigner) record(ctx context.Context, sessionID string, asg selection.Assignment) {
	if a.recorder == nil {
		return
	}
	key := sessionID + ":" + asg.Experiment
	if _, loaded := a.recorded.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	if err := a.recorder.Record(ctx, sessionID, asg.Experiment, asg.Variant, a.now()); err != nil {
		a.recorded.Delete(key)
		a.logger.Warn("実験割り当ての記録に失敗しました",
			slog.String("experiment", asg.Experiment),
			slog.String("variant", asg.Variant),
			slog.String("error", err.Error()),
		)
	}
}

// Key はバリアントのプールを識別するキーを返す。
func Key(experiment, variant string) string {
	return experiment + "/" + variant
}

// Bucket はセッションと実験の組をSHA-256で0〜999のバケットに写す。
func Bucket(sessionID, experiment string) int {
	sum := sha256.Sum256([]byte(sessionID + ":" + experiment))
	return int(binary.BigEndian.Uint64(sum[:8]) % buckets)
}

// pickVariant はバケットをバリアントの重みの累積に当てはめて選ぶ。
func pickVariant(sessionID string, exp config.ExperimentConfig) config.VariantConfig {
	total := 0
	for _, v := range exp.Variants {
		total += v.Weight
	}
	if total <= 0 || len(exp.Variants) == 0 {
		if len(exp.Variants) == 0 {
			return config.VariantConfig{}
		}
		return exp.Variants[0]
	}

	b := float64(Bucket(sessionID, exp.Name))
	cum := 0.0
	for _, v := range exp.Variants {
		cum += float64(v.Weight) * buckets / float64(total)
		if b < cum {
			return v
		}
	}
	return exp.Variants[len(exp.Variants)-1]
}

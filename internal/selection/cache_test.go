package selection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/loydmilligan/vinylvault/internal/config"
	"github.com/loydmilligan/vinylvault/internal/model"
)

// syncBuffer はバックグラウンドのgoroutineからも書き込まれるログ用バッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeClock はテスト用の進められる時計。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// mockRecordSource はRecordSource/Storeのモック。
type mockRecordSource struct {
	mu            sync.Mutex
	records       []model.Record
	getAllFunc    func(ctx context.Context) ([]model.Record, error)
	randomOneFunc func(ctx context.Context) (*model.Record, error)
	played        map[int64]int
}

func newMockRecordSource(records []model.Record) *mockRecordSource {
	return &mockRecordSource{records: records, played: make(map[int64]int)}
}

func (m *mockRecordSource) GetAllEligible(ctx context.Context) ([]model.Record, error) {
	if m.getAllFunc != nil {
		return m.getAllFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Record(nil), m.records...), nil
}

func (m *mockRecordSource) RandomOne(ctx context.Context) (*model.Record, error) {
	if m.randomOneFunc != nil {
		return m.randomOneFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil, nil
	}
	r := m.records[rand.IntN(len(m.records))]
	return &r, nil
}

func (m *mockRecordSource) RecordPlayed(ctx context.Context, externalID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ExternalID == externalID {
			m.played[externalID]++
			return true, nil
		}
	}
	return false, nil
}

func makeRecords(n int) []model.Record {
	tags := []string{"Rock", "Jazz", "Electronic", "Folk", "Pop", "Classical"}
	out := make([]model.Record, n)
	for i := 0; i < n; i++ {
		out[i] = model.Record{
			ExternalID:         int64(i + 1),
			Title:              fmt.Sprintf("Record %d", i+1),
			PrimaryAttribution: fmt.Sprintf("Artist %d", i%17),
			Tags:               []string{tags[i%len(tags)]},
			Rating:             i % 6,
			PlayCount:          i % 4,
			AddedAt:            neutralNow.Add(-400 * 24 * time.Hour),
		}
	}
	return out
}

// testAlgorithmConfig は緊急リフレッシュがタイムアウトしないよう余裕を持たせた設定。
func testAlgorithmConfig() config.AlgorithmConfig {
	cfg := config.DefaultAlgorithmConfig()
	cfg.MaxComputationTimeMS = 5000
	return cfg
}

func newTestCache(t *testing.T, cfg config.AlgorithmConfig, src *mockRecordSource, hist *History, clock *fakeClock) *Cache {
	t.Helper()
	var buf syncBuffer
	c := NewCache(ControlKey, cfg, src, hist, nil, newTestLogger(&buf))
	c.now = clock.Now
	rng := rand.New(rand.NewPCG(1, 2))
	c.randomF = rng.Float64
	t.Cleanup(c.Wait)
	return c
}

func TestCache_Refresh_BuildsPoolOfTargetSize(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(60))
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	s := c.Stats()
	if s.Size != 20 {
		t.Errorf("Size = %d, want 20", s.Size)
	}
	if s.Remaining != 20 {
		t.Errorf("Remaining = %d, want 20", s.Remaining)
	}
	if s.Relaxed {
		t.Error("除外がない場合は緩和されないべき")
	}
	if s.BuiltAt == nil || !s.BuiltAt.Equal(neutralNow) {
		t.Errorf("BuiltAt = %v, want %v", s.BuiltAt, neutralNow)
	}

	seen := make(map[int64]bool)
	p := c.current.Load()
	for _, cand := range p.candidates {
		if seen[cand.Record.ExternalID] {
			t.Fatalf("プール内でレコード %d が重複している", cand.Record.ExternalID)
		}
		seen[cand.Record.ExternalID] = true
		if cand.Weight < WeightFloor {
			t.Errorf("重み %g は下限を下回っている", cand.Weight)
		}
	}
}

func TestCache_Refresh_ExcludesRecentlyServed(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(2))
	hist := NewHistory(50, 24*time.Hour)
	hist.RecordServed(model.SelectionHistoryEntry{ExternalID: 1, ServedAt: neutralNow.Add(-time.Hour)})
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	p := c.current.Load()
	if len(p.candidates) != 1 || p.candidates[0].Record.ExternalID != 2 {
		t.Fatalf("1時間前に提供したレコードは除外されるべき: %+v", p.candidates)
	}
	if p.relaxed {
		t.Error("他に候補がある場合は緩和されないべき")
	}
}

func TestCache_Refresh_RelaxesWhenOnlyExcludedRemain(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(1))
	hist := NewHistory(50, 24*time.Hour)
	hist.RecordServed(model.SelectionHistoryEntry{ExternalID: 1, ServedAt: neutralNow.Add(-time.Hour)})
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !c.Stats().Relaxed {
		t.Error("全件が除外される場合は緩和されるべき")
	}

	served, err := c.ServeOne(context.Background())
	if err != nil {
		t.Fatalf("ServeOne() error = %v", err)
	}
	if served.Candidate.Record.ExternalID != 1 {
		t.Errorf("ExternalID = %d, want 1", served.Candidate.Record.ExternalID)
	}
	if !served.CacheHit {
		t.Error("プールからの提供はキャッシュヒットであるべき")
	}
}

func TestCache_Refresh_ErrorKeepsPreviousPool(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(10))
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	before := c.current.Load()

	src.getAllFunc = func(ctx context.Context) ([]model.Record, error) {
		return nil, errors.New("db down")
	}
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("読み込みエラー時はエラーを返すべき")
	}
	if c.current.Load() != before {
		t.Error("失敗したリフレッシュはプールを差し替えないべき")
	}
}

func TestCache_ServeOne_NoRepeatWithinWindow(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(60))
	src.randomOneFunc = func(ctx context.Context) (*model.Record, error) {
		return nil, errors.New("フォールバックは使われないはず")
	}
	cfg := testAlgorithmConfig()
	hist := NewHistory(cfg.MaxHistorySize, cfg.MinTimeBetweenRepeats())
	c := newTestCache(t, cfg, src, hist, clock)
	ctx := context.Background()

	lastServed := make(map[int64]time.Time)
	for i := 0; i < 200; i++ {
		served, err := c.ServeOne(ctx)
		if err != nil {
			t.Fatalf("%d回目: ServeOne() error = %v", i+1, err)
		}
		if served.Fallback {
			t.Fatalf("%d回目: フォールバックが使われた", i+1)
		}

		id := served.Candidate.Record.ExternalID
		now := clock.Now()
		if prev, ok := lastServed[id]; ok && now.Sub(prev) < 24*time.Hour {
			t.Fatalf("%d回目: レコード %d が %v ぶりに再提供された", i+1, id, now.Sub(prev))
		}
		lastServed[id] = now
		hist.RecordServed(model.SelectionHistoryEntry{
			ExternalID:         id,
			Tags:               served.Candidate.Record.Tags,
			PrimaryAttribution: served.Candidate.Record.PrimaryAttribution,
			ServedAt:           now,
		})
		clock.Advance(30 * time.Minute)
	}
}

func TestCache_ServeOne_EmergencyRefreshOnEmptyPool(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(5))
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	served, err := c.ServeOne(context.Background())
	if err != nil {
		t.Fatalf("ServeOne() error = %v", err)
	}
	if served.CacheHit {
		t.Error("緊急リフレッシュ経由の提供はキャッシュヒットではないべき")
	}
	if served.Fallback {
		t.Error("緊急リフレッシュが間に合った場合はフォールバックではないべき")
	}
	if c.Stats().Refreshes < 1 {
		t.Error("緊急リフレッシュが実行されていない")
	}
}

func TestCache_ServeOne_FallsBackWhenRefreshFails(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(3))
	src.getAllFunc = func(ctx context.Context) ([]model.Record, error) {
		return nil, errors.New("db down")
	}
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	served, err := c.ServeOne(context.Background())
	if err != nil {
		t.Fatalf("ServeOne() error = %v", err)
	}
	if !served.Fallback {
		t.Error("リフレッシュ失敗時は一様ランダムにフォールバックするべき")
	}
	if served.Candidate.Weight < WeightFloor {
		t.Errorf("フォールバックでも重みを計算するべき: %g", served.Candidate.Weight)
	}
}

func TestCache_ServeOne_FallsBackOnTimeout(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(3))
	release := make(chan struct{})
	src.getAllFunc = func(ctx context.Context) ([]model.Record, error) {
		<-release
		return makeRecords(3), nil
	}
	cfg := config.DefaultAlgorithmConfig()
	cfg.MaxComputationTimeMS = 10
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, cfg, src, hist, clock)
	defer close(release)

	served, err := c.ServeOne(context.Background())
	if err != nil {
		t.Fatalf("ServeOne() error = %v", err)
	}
	if !served.Fallback {
		t.Error("制限時間を超えた場合はフォールバックするべき")
	}
}

func TestCache_ServeOne_EmptyCollection(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(nil)
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	_, err := c.ServeOne(context.Background())
	if !errors.Is(err, ErrEmptyCollection) {
		t.Fatalf("error = %v, want ErrEmptyCollection", err)
	}
}

func TestCache_ServeOne_TopsUpBelowThreshold(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(60))
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)
	ctx := context.Background()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	for i := 0; i < 15; i++ {
		if _, err := c.ServeOne(ctx); err != nil {
			t.Fatalf("ServeOne() error = %v", err)
		}
	}
	if got := c.Stats().Refreshes; got != 1 {
		t.Errorf("しきい値に達するまではリフレッシュしないべき: Refreshes = %d", got)
	}

	if _, err := c.ServeOne(ctx); err != nil {
		t.Fatalf("ServeOne() error = %v", err)
	}
	c.Wait()
	s := c.Stats()
	if s.Refreshes != 2 {
		t.Errorf("残りがしきい値を下回ったらリフレッシュするべき: Refreshes = %d", s.Refreshes)
	}
	if s.Remaining != 20 {
		t.Errorf("Remaining = %d, want 20", s.Remaining)
	}
}

func TestCache_NotifyRefresh(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(5))
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	c.NotifyRefresh()
	c.Wait()

	if s := c.Stats(); s.Size != 5 {
		t.Errorf("Size = %d, want 5", s.Size)
	}
}

func TestCache_Start_RefreshesUntilCancelled(t *testing.T) {
	clock := newFakeClock(neutralNow)
	src := newMockRecordSource(makeRecords(5))
	hist := NewHistory(50, 24*time.Hour)
	c := newTestCache(t, testAlgorithmConfig(), src, hist, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.Stats().Refreshes < 2 {
		select {
		case <-deadline:
			t.Fatal("定期リフレッシュが実行されない")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にStartが終了しない")
	}
}

func TestSample_PrefersHeavierCandidates(t *testing.T) {
	var buf syncBuffer
	c := NewCache(ControlKey, config.DefaultAlgorithmConfig(), newMockRecordSource(nil), NewHistory(1, time.Hour), nil, newTestLogger(&buf))
	c.randomF = rand.New(rand.NewPCG(7, 11)).Float64

	cands := []model.SelectionCandidate{
		{Record: model.Record{ExternalID: 1}, Weight: 100},
		{Record: model.Record{ExternalID: 2}, Weight: 0.01},
	}
	heavyFirst := 0
	for i := 0; i < 200; i++ {
		out := c.sample(cands, 1)
		if len(out) != 1 {
			t.Fatalf("len = %d, want 1", len(out))
		}
		if out[0].Record.ExternalID == 1 {
			heavyFirst++
		}
	}
	if heavyFirst < 190 {
		t.Errorf("重い候補が先頭に来た回数 = %d/200, 190以上を期待", heavyFirst)
	}
}

package usage

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, CycleID: "c1", Round: 1, Provider: "anthropic", Model: "claude-sonnet-4-20250514", InputTokens: 2000, OutputTokens: 1000, CostUSD: 0.021},
		{Timestamp: now, CycleID: "c1", Round: 2, Provider: "anthropic", Model: "claude-sonnet-4-20250514", InputTokens: 1000, OutputTokens: 0, CostUSD: 0.003},
		{Timestamp: now, CycleID: "c2", Round: 1, Provider: "ollama", Model: "qwen3:8b", InputTokens: 500, OutputTokens: 50},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", sum.Rounds)
	}
	if sum.Cycles != 2 {
		t.Errorf("Cycles = %d, want 2", sum.Cycles)
	}
	if sum.InputTokens != 3500 {
		t.Errorf("InputTokens = %d, want 3500", sum.InputTokens)
	}
	if sum.OutputTokens != 1050 {
		t.Errorf("OutputTokens = %d, want 1050", sum.OutputTokens)
	}
	if !approx(sum.CostUSD, 0.024) {
		t.Errorf("CostUSD = %f, want 0.024", sum.CostUSD)
	}
}

func TestSummary_Empty(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	sum, err := s.Summary(context.Background(), now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum != (Summary{}) {
		t.Errorf("empty summary = %+v, want zero", sum)
	}
}

func TestSummary_WindowBoundaries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{base.Add(-time.Hour), base, base.Add(time.Hour)} {
		if err := s.Record(ctx, Record{Timestamp: ts, CycleID: string(rune('a' + i)), Model: "m", InputTokens: 10}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// [base, base+1h) includes base and excludes base+1h.
	sum, err := s.Summary(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", sum.Rounds)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, rec := range []Record{
		{Timestamp: now, CycleID: "c1", Model: "sonnet", InputTokens: 100, CostUSD: 1.0},
		{Timestamp: now, CycleID: "c2", Model: "sonnet", InputTokens: 200, CostUSD: 2.0},
		{Timestamp: now, CycleID: "c3", Model: "qwen", InputTokens: 50},
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	result, err := s.SummaryByModel(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("groups = %d, want 2", len(result))
	}
	sonnet := result["sonnet"]
	if sonnet.Rounds != 2 || sonnet.InputTokens != 300 || !approx(sonnet.CostUSD, 3.0) {
		t.Errorf("sonnet = %+v", sonnet)
	}
	if result["qwen"].Cycles != 1 {
		t.Errorf("qwen = %+v", result["qwen"])
	}
}

func TestCycleUsage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, round := range []int{2, 1} {
		if err := s.Record(ctx, Record{Timestamp: now, CycleID: "c1", Round: round, Model: "m", InputTokens: round * 100}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.CycleUsage(ctx, "c1")
	if err != nil {
		t.Fatalf("CycleUsage: %v", err)
	}
	if len(got) != 2 || got[0].Round != 1 || got[1].Round != 2 {
		t.Fatalf("rounds = %+v", got)
	}
	if got[0].ID == "" {
		t.Error("record ID should be generated")
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, now)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	// 2000/1M*3 + 1000/1M*15
	if got := ComputeCost("claude-sonnet-4-20250514", 2000, 1000, pricing); !approx(got, 0.021) {
		t.Errorf("cost = %f, want 0.021", got)
	}
	if got := ComputeCost("qwen3:8b", 2000, 1000, pricing); got != 0 {
		t.Errorf("unpriced model cost = %f, want 0", got)
	}
	if got := ComputeCost("anything", 10, 10, nil); got != 0 {
		t.Errorf("nil pricing cost = %f, want 0", got)
	}
}

func TestRecorder(t *testing.T) {
	s := testStore(t)
	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())

	r := NewRecorder(s, testPricing(), nil)
	r.Start(ctx, bus)

	bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{"cycle_id": "c1", "round": 1})
	bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"cycle_id":      "c1",
		"provider":      "anthropic",
		"model":         "claude-sonnet-4-20250514",
		"round":         1,
		"input_tokens":  2000,
		"output_tokens": 1000,
	})

	deadline := time.Now().Add(2 * time.Second)
	var got []Record
	for time.Now().Before(deadline) {
		var err error
		got, err = s.CycleUsage(context.Background(), "c1")
		if err != nil {
			t.Fatalf("CycleUsage: %v", err)
		}
		if len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	r.Wait()

	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	rec := got[0]
	if rec.Provider != "anthropic" || rec.Round != 1 || rec.InputTokens != 2000 || rec.OutputTokens != 1000 {
		t.Errorf("record = %+v", rec)
	}
	if !approx(rec.CostUSD, 0.021) {
		t.Errorf("CostUSD = %f, want 0.021", rec.CostUSD)
	}
}

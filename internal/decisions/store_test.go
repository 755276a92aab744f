package decisions

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/climate-agent/internal/climate"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// :memory: is per-connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func f(v float64) *float64 { return &v }

func sampleDecision(ts time.Time, ai climate.Action, aiTarget *float64, baseTarget float64) *Decision {
	base := climate.SetTemperature
	d := &Decision{
		Timestamp:      ts,
		Trigger:        "scheduled",
		IndoorTemp:     20.1,
		OutdoorTemp:    -4,
		Setpoint:       f(20),
		ForecastTrend:  "stable",
		AIAction:       ai,
		AITarget:       aiTarget,
		AIReasoning:    "test",
		BaselineAction: base,
		BaselineTarget: baseTarget,
		RuleTriggered:  "time_based_schedule",
		Success:        true,
		Provider:       "ollama",
		Model:          "llama3.1:8b",
	}
	d.Overridden = Overridden(d.AIAction, d.AITarget, d.BaselineAction, d.BaselineTarget, 0.5)
	return d
}

func TestOverridden(t *testing.T) {
	tests := []struct {
		name       string
		ai         climate.Action
		aiTarget   *float64
		base       climate.Action
		baseTarget float64
		want       bool
	}{
		{"both no change", climate.NoChange, nil, climate.NoChange, 20, false},
		{"kinds differ", climate.NoChange, nil, climate.SetTemperature, 21, true},
		{"within tolerance", climate.SetTemperature, f(21.5), climate.SetTemperature, 21, false},
		{"beyond tolerance", climate.SetTemperature, f(21.6), climate.SetTemperature, 21, true},
		{"below", climate.SetTemperature, f(19), climate.SetTemperature, 21, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overridden(tt.ai, tt.aiTarget, tt.base, tt.baseTarget, 0.5); got != tt.want {
				t.Errorf("Overridden() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppendAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 1, 15, 6, 30, 0, 0, time.UTC)
	d := sampleDecision(ts, climate.SetTemperature, f(23), 20)
	d.RequestedTarget = f(99)
	d.Clamped = true
	d.Annotations = []string{"clamped 99.0 to 23.0"}
	d.Weather = &climate.WeatherSnapshot{OutdoorTemp: -4, Conditions: "snow"}
	d.ToolCalls = []ToolCallTrace{{Phase: "gather", Tool: "get_current_weather", OK: true, Attempts: 1}}

	id, err := store.Append(ctx, d)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" || d.ID != id {
		t.Fatalf("id = %q, d.ID = %q", id, d.ID)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.AITarget == nil || *got.AITarget != 23 {
		t.Errorf("ai_target = %v, want 23", got.AITarget)
	}
	if got.RequestedTarget == nil || *got.RequestedTarget != 99 || !got.Clamped {
		t.Errorf("clamp not recorded: requested=%v clamped=%v", got.RequestedTarget, got.Clamped)
	}
	if len(got.Annotations) != 1 || got.Weather == nil || got.Weather.Conditions != "snow" {
		t.Errorf("json columns not round-tripped: %+v", got)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Tool != "get_current_weather" {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
	if !got.Overridden {
		t.Error("overridden = false, want true")
	}
}

func TestGet_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDecisionsAreAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, sampleDecision(time.Now(), climate.NoChange, nil, 20))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE decisions SET ai_action = 'X' WHERE id = ?`, id); err == nil {
		t.Error("UPDATE on decisions should be rejected")
	}
}

func TestRecent_MostRecentFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		d := sampleDecision(base.Add(time.Duration(i)*time.Minute), climate.NoChange, nil, 20)
		d.AIReasoning = string(rune('a' + i))
		if _, err := store.Append(ctx, d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].AIReasoning != "e" || got[2].AIReasoning != "c" {
		t.Errorf("order = %s,%s,%s; want e,d,c", got[0].AIReasoning, got[1].AIReasoning, got[2].AIReasoning)
	}
}

func TestStats_EmptyWindowIsZero(t *testing.T) {
	store := setupTestStore(t)

	st, err := store.Stats(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Count != 0 || st.OverrideRate != 0 || st.AverageDelta != 0 {
		t.Errorf("stats = %+v, want zeros", st)
	}
	if st.OverrideRate != st.OverrideRate { // NaN check
		t.Error("override rate is NaN")
	}
}

func TestStats_Window(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	decisions := []*Decision{
		sampleDecision(now.Add(-48*time.Hour), climate.SetTemperature, f(23), 20), // outside window
		sampleDecision(now.Add(-2*time.Hour), climate.SetTemperature, f(22), 21),  // overridden, delta 1
		sampleDecision(now.Add(-1*time.Hour), climate.SetTemperature, f(21), 21),  // match, delta 0
		sampleDecision(now.Add(-30*time.Minute), climate.NoChange, nil, 21),       // overridden (kind)
		sampleDecision(now.Add(-10*time.Minute), climate.SetTemperature, f(21.2), 21),
	}
	for _, d := range decisions {
		if _, err := store.Append(ctx, d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	st, err := store.Stats(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Count != 4 {
		t.Errorf("count = %d, want 4", st.Count)
	}
	if st.Overridden != 2 || st.OverrideRate != 0.5 {
		t.Errorf("overridden = %d rate = %v, want 2 and 0.5", st.Overridden, st.OverrideRate)
	}
	if st.AverageDelta != 0.4 { // (1 + 0 + 0.2) / 3
		t.Errorf("average delta = %v, want 0.4", st.AverageDelta)
	}

	all, err := store.Stats(ctx, 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if all.Count != 5 {
		t.Errorf("all-time count = %d, want 5", all.Count)
	}
}

func TestComparisonAndSummary(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	a := sampleDecision(now.Add(-25*time.Hour), climate.SetTemperature, f(23), 20)
	b := sampleDecision(now.Add(-time.Hour), climate.NoChange, nil, 21)
	b.Success = false
	c := sampleDecision(now, climate.SetTemperature, f(21), 21)
	for _, d := range []*Decision{a, b, c} {
		if _, err := store.Append(ctx, d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cmp, err := store.Comparison(ctx, 5)
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if cmp.TotalCompared != 3 || cmp.Different != 2 || cmp.Matching != 1 {
		t.Errorf("comparison = %+v", cmp)
	}
	if cmp.OverrideRate != 66.7 {
		t.Errorf("override rate = %v, want 66.7", cmp.OverrideRate)
	}
	if len(cmp.RecentDifferences) != 2 || cmp.RecentDifferences[0].ID != b.ID {
		t.Errorf("recent differences = %+v", cmp.RecentDifferences)
	}

	sum, err := store.Summary(ctx, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 3 || sum.Today != 2 {
		t.Errorf("total/today = %d/%d, want 3/2", sum.Total, sum.Today)
	}
	if sum.ActionBreakdown["SET_TEMPERATURE"] != 2 || sum.ActionBreakdown["NO_CHANGE"] != 1 {
		t.Errorf("breakdown = %v", sum.ActionBreakdown)
	}
	if sum.SuccessRate != 66.7 {
		t.Errorf("success rate = %v, want 66.7", sum.SuccessRate)
	}
}

func TestSummary_Empty(t *testing.T) {
	store := setupTestStore(t)
	sum, err := store.Summary(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 0 || sum.SuccessRate != 100 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestTimelineDailyHourly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	entries := []*Decision{
		sampleDecision(now.Add(-50*time.Hour), climate.SetTemperature, f(23), 20), // Jan 13 10:00
		sampleDecision(now.Add(-26*time.Hour), climate.NoChange, nil, 20),        // Jan 14 10:00
		sampleDecision(now.Add(-2*time.Hour), climate.SetTemperature, f(21), 21), // Jan 15 10:00
		sampleDecision(now.Add(-1*time.Hour), climate.SetTemperature, f(19), 21), // Jan 15 11:00
	}
	for _, d := range entries {
		if _, err := store.Append(ctx, d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tl, err := store.Timeline(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(tl) != 2 || *tl[0].TargetTemp != 21 || !tl[1].Overridden {
		t.Errorf("timeline = %+v", tl)
	}

	daily, err := store.Daily(ctx, 2, now)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if len(daily) != 2 || daily[0].Key != "2026-01-14" || daily[1].Total != 2 || daily[1].OverrideRate != 50 {
		t.Errorf("daily = %+v", daily)
	}

	hourly, err := store.HourOfDay(ctx, 0)
	if err != nil {
		t.Fatalf("hourly: %v", err)
	}
	if len(hourly) != 24 {
		t.Fatalf("hourly len = %d, want 24", len(hourly))
	}
	if hourly[10].Total != 3 || hourly[10].Overrides != 2 || hourly[11].Total != 1 || hourly[0].Total != 0 {
		t.Errorf("hour 10 = %+v, hour 11 = %+v", hourly[10], hourly[11])
	}
}

func TestGetSetting_ReadThrough(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, err := store.GetSetting(ctx, "min_temp", "17", "Minimum setpoint", "bounds")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "17" {
		t.Errorf("value = %q, want default 17", v)
	}

	// A second read with a different default keeps the stored value.
	v, _ = store.GetSetting(ctx, "min_temp", "15", "Minimum setpoint", "bounds")
	if v != "17" {
		t.Errorf("value = %q, want stored 17", v)
	}

	if err := store.SetSetting(ctx, "min_temp", "16.5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	all, err := store.Settings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Value != "16.5" || all[0].Description != "Minimum setpoint" {
		t.Errorf("settings = %+v", all)
	}
}

func TestGetSetting_ConcurrentFirstAccess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetSetting(ctx, "llm_provider", "ollama", "", "model"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM settings WHERE key = 'llm_provider'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestPrompts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpdatePrompt(ctx, "system", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("update before seed err = %v, want ErrNotFound", err)
	}

	got, err := store.GetPrompt(ctx, "system", "default prompt", "System instructions")
	if err != nil || got != "default prompt" {
		t.Fatalf("GetPrompt = %q, %v", got, err)
	}
	if err := store.UpdatePrompt(ctx, "system", "edited"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetPrompt(ctx, "system", "default prompt", "System instructions")
	if got != "edited" {
		t.Errorf("prompt = %q, want edited", got)
	}

	list, err := store.Prompts(ctx)
	if err != nil || len(list) != 1 || list[0].Description != "System instructions" {
		t.Errorf("Prompts() = %+v, %v", list, err)
	}
}

package decisions

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"time"
)

// Stats aggregates decisions over a sliding window.
type Stats struct {
	Count        int     `json:"count"`
	Overridden   int     `json:"overridden"`
	OverrideRate float64 `json:"override_rate"` // fraction 0..1
	AverageDelta float64 `json:"average_delta"` // mean |ai - baseline| over SET decisions
}

// Stats returns aggregates for decisions newer than now-window. A
// non-positive window covers all history. An empty window yields zero
// rates, never NaN.
func (s *Store) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	since := s.since(window)
	var (
		st    Stats
		delta sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(overridden), 0),
		        AVG(CASE WHEN ai_target IS NOT NULL THEN ABS(ai_target - baseline_target) END)
		 FROM decisions WHERE timestamp >= ?`,
		since,
	).Scan(&st.Count, &st.Overridden, &delta)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	st.OverrideRate = rate(st.Overridden, st.Count)
	if delta.Valid {
		st.AverageDelta = round(delta.Float64, 2)
	}
	return st, nil
}

// Difference is a decision where the model and the baseline disagreed.
type Difference struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	AIAction       string    `json:"ai_action"`
	AITarget       *float64  `json:"ai_target,omitempty"`
	BaselineAction string    `json:"baseline_action"`
	BaselineTarget float64   `json:"baseline_target"`
	RuleTriggered  string    `json:"rule_triggered"`
	AIReasoning    string    `json:"ai_reasoning"`
}

// Comparison summarizes model-versus-baseline agreement over all history.
type Comparison struct {
	TotalCompared     int          `json:"total_compared"`
	Matching          int          `json:"matching_decisions"`
	Different         int          `json:"different_decisions"`
	OverrideRate      float64      `json:"ai_override_rate"` // percent, one decimal
	RecentDifferences []Difference `json:"recent_differences"`
}

// reasoningExcerpt bounds reasoning text in list views.
const reasoningExcerpt = 200

// Comparison returns agreement counts and the limit most recent
// differences.
func (s *Store) Comparison(ctx context.Context, limit int) (Comparison, error) {
	if limit <= 0 {
		limit = 5
	}
	var c Comparison
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(overridden), 0) FROM decisions`,
	).Scan(&c.TotalCompared, &c.Different)
	if err != nil {
		return Comparison{}, storageErr("comparison", err)
	}
	c.Matching = c.TotalCompared - c.Different
	c.OverrideRate = round(rate(c.Different, c.TotalCompared)*100, 1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, ai_action, ai_target, baseline_action, baseline_target,
		        rule_triggered, ai_reasoning
		 FROM decisions WHERE overridden = 1 ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return Comparison{}, storageErr("comparison", err)
	}
	defer rows.Close()

	c.RecentDifferences = []Difference{}
	for rows.Next() {
		var (
			d      Difference
			ts     string
			target sql.NullFloat64
		)
		if err := rows.Scan(&d.ID, &ts, &d.AIAction, &target, &d.BaselineAction,
			&d.BaselineTarget, &d.RuleTriggered, &d.AIReasoning); err != nil {
			return Comparison{}, storageErr("comparison", err)
		}
		d.Timestamp, _ = time.Parse(tsLayout, ts)
		d.AITarget = floatPtr(target)
		d.AIReasoning = excerpt(d.AIReasoning, reasoningExcerpt)
		c.RecentDifferences = append(c.RecentDifferences, d)
	}
	if err := rows.Err(); err != nil {
		return Comparison{}, storageErr("comparison", err)
	}
	return c, nil
}

// Summary is the dashboard headline.
type Summary struct {
	Total           int            `json:"total_decisions"`
	Today           int            `json:"decisions_today"`
	ActionBreakdown map[string]int `json:"action_breakdown"`
	SuccessRate     float64        `json:"success_rate"` // percent, 100 when empty
}

// Summary returns totals, today's count (by the local date of now) and
// the per-action breakdown.
func (s *Store) Summary(ctx context.Context, now time.Time) (Summary, error) {
	var (
		sum     Summary
		success sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN local_date = ? THEN 1 ELSE 0 END), 0),
		        AVG(success) * 100
		 FROM decisions`,
		now.Format(time.DateOnly),
	).Scan(&sum.Total, &sum.Today, &success)
	if err != nil {
		return Summary{}, storageErr("summary", err)
	}
	sum.SuccessRate = 100
	if success.Valid {
		sum.SuccessRate = round(success.Float64, 1)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ai_action, COUNT(*) FROM decisions GROUP BY ai_action ORDER BY COUNT(*) DESC`)
	if err != nil {
		return Summary{}, storageErr("summary", err)
	}
	defer rows.Close()

	sum.ActionBreakdown = make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return Summary{}, storageErr("summary", err)
		}
		sum.ActionBreakdown[action] = n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, storageErr("summary", err)
	}
	return sum, nil
}

// TimelinePoint is one decision on the temperature chart.
type TimelinePoint struct {
	Timestamp      time.Time `json:"timestamp"`
	IndoorTemp     float64   `json:"indoor_temp"`
	OutdoorTemp    float64   `json:"outdoor_temp"`
	TargetTemp     *float64  `json:"target_temp,omitempty"` // AI target, else the prior setpoint
	BaselineTarget float64   `json:"baseline_target"`
	Overridden     bool      `json:"overridden"`
}

// Timeline returns decisions since the given time, oldest first.
func (s *Store) Timeline(ctx context.Context, since time.Time) ([]TimelinePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, indoor_temp, outdoor_temp, COALESCE(ai_target, setpoint),
		        baseline_target, overridden
		 FROM decisions WHERE timestamp >= ? ORDER BY seq ASC`,
		since.UTC().Format(tsLayout))
	if err != nil {
		return nil, storageErr("timeline", err)
	}
	defer rows.Close()

	out := []TimelinePoint{}
	for rows.Next() {
		var (
			p      TimelinePoint
			ts     string
			target sql.NullFloat64
		)
		if err := rows.Scan(&ts, &p.IndoorTemp, &p.OutdoorTemp, &target, &p.BaselineTarget, &p.Overridden); err != nil {
			return nil, storageErr("timeline", err)
		}
		p.Timestamp, _ = time.Parse(tsLayout, ts)
		p.TargetTemp = floatPtr(target)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("timeline", err)
	}
	return out, nil
}

// Bucket is an override count for a day or an hour of day.
type Bucket struct {
	Key          string  `json:"key"` // YYYY-MM-DD or hour 0-23
	Total        int     `json:"total"`
	Overrides    int     `json:"overrides"`
	OverrideRate float64 `json:"override_rate"` // percent, one decimal
}

// Daily returns one bucket per local date for the last days days
// (including today), oldest first. Days without decisions are omitted.
func (s *Store) Daily(ctx context.Context, days int, now time.Time) ([]Bucket, error) {
	if days <= 0 {
		days = 7
	}
	from := now.AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
	return s.buckets(ctx, "daily",
		`SELECT local_date, COUNT(*), COALESCE(SUM(overridden), 0)
		 FROM decisions WHERE local_date >= ?
		 GROUP BY local_date ORDER BY local_date ASC`, from)
}

// HourOfDay returns 24 buckets, one per local hour, over the window.
// Hours without decisions have zero counts.
func (s *Store) HourOfDay(ctx context.Context, window time.Duration) ([]Bucket, error) {
	found, err := s.buckets(ctx, "hour of day",
		`SELECT CAST(local_hour AS TEXT), COUNT(*), COALESCE(SUM(overridden), 0)
		 FROM decisions WHERE timestamp >= ?
		 GROUP BY local_hour`, s.since(window))
	if err != nil {
		return nil, err
	}
	byHour := make(map[string]Bucket, len(found))
	for _, b := range found {
		byHour[b.Key] = b
	}
	out := make([]Bucket, 24)
	for h := range out {
		key := strconv.Itoa(h)
		if b, ok := byHour[key]; ok {
			out[h] = b
		} else {
			out[h] = Bucket{Key: key}
		}
	}
	return out, nil
}

func (s *Store) buckets(ctx context.Context, op, query string, arg any) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := []Bucket{}
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Total, &b.Overrides); err != nil {
			return nil, storageErr(op, err)
		}
		b.OverrideRate = round(rate(b.Overrides, b.Total)*100, 1)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *Store) since(window time.Duration) string {
	if window <= 0 {
		return ""
	}
	return s.now().Add(-window).UTC().Format(tsLayout)
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

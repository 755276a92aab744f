// Package baseline computes the deterministic rule-based setpoint a
// typical home automation would choose, as the comparison point for the
// model's decision. Evaluate is pure: no I/O, no clock, no randomness.
package baseline

import (
	"errors"
	"fmt"
	"math"

	"github.com/nugget/climate-agent/internal/climate"
)

// Rule names recorded as rule_triggered.
const (
	RuleAwayMode      = "away_mode"
	RuleMorningWarmup = "morning_warmup"
	RuleSchedule      = "time_based_schedule"
	RuleColdBoost     = "cold_boost"
	RuleHotWeather    = "hot_weather_cooling"
	RuleDeadband      = "deadband"
)

// Config holds the rule thresholds. Hours are local 0-23; the warmup
// window is [WarmupStart, WarmupEnd) and is disabled when empty.
type Config struct {
	DayStart     int
	NightStart   int
	DayTarget    float64
	NightTarget  float64
	WarmupStart  int
	WarmupEnd    int
	WarmupTarget float64

	ColdThreshold float64
	ColdBoost     float64
	HotThreshold  float64
	HotTarget     float64

	AwayTarget      float64
	AwayIdleMinutes int

	Deadband float64
	MinTemp  float64
	MaxTemp  float64
}

// DefaultConfig returns the stock schedule: 21°C from 06:00, 18°C from
// 23:00, a 20°C warmup hour at 06:00, bounds 17-23°C.
func DefaultConfig() Config {
	return Config{
		DayStart:        6,
		NightStart:      23,
		DayTarget:       21,
		NightTarget:     18,
		WarmupStart:     6,
		WarmupEnd:       7,
		WarmupTarget:    20,
		ColdThreshold:   -10,
		ColdBoost:       1,
		HotThreshold:    25,
		HotTarget:       24,
		AwayTarget:      17,
		AwayIdleMinutes: 60,
		Deadband:        0.5,
		MinTemp:         17,
		MaxTemp:         23,
	}
}

// Validate rejects configurations Evaluate cannot honor.
func (c Config) Validate() error {
	var errs []error
	if c.MinTemp >= c.MaxTemp {
		errs = append(errs, fmt.Errorf("min temp %.1f must be below max temp %.1f", c.MinTemp, c.MaxTemp))
	}
	if c.DayStart < 0 || c.DayStart > 23 || c.NightStart < 0 || c.NightStart > 24 {
		errs = append(errs, fmt.Errorf("day start %d / night start %d out of range", c.DayStart, c.NightStart))
	}
	if c.WarmupStart < 0 || c.WarmupEnd > 24 || c.WarmupEnd < c.WarmupStart {
		errs = append(errs, fmt.Errorf("warmup window [%d, %d) invalid", c.WarmupStart, c.WarmupEnd))
	}
	if c.Deadband < 0 {
		errs = append(errs, errors.New("deadband must not be negative"))
	}
	if c.AwayIdleMinutes < 0 {
		errs = append(errs, errors.New("away idle minutes must not be negative"))
	}
	return errors.Join(errs...)
}

// Inputs is one cycle's observations. Nil pointers are unknown.
type Inputs struct {
	Hour            int
	OutdoorTemp     *float64
	IndoorTemp      *float64
	CurrentSetpoint *float64
	Occupancy       *climate.Occupancy
}

// Result is the baseline decision. Basis is the schedule or weather rule
// behind Target even when Rule is "deadband".
type Result struct {
	Action    climate.Action `json:"action"`
	Target    float64        `json:"target"`
	Rule      string         `json:"rule_triggered"`
	Basis     string         `json:"basis"`
	Reasoning string         `json:"reasoning"`
}

// Night reports whether hour falls in the night schedule.
func (c Config) Night(hour int) bool {
	return hour >= c.NightStart || hour < c.DayStart
}

func (c Config) warmup(hour int) bool {
	return c.WarmupEnd > c.WarmupStart && hour >= c.WarmupStart && hour < c.WarmupEnd
}

// Evaluate applies the rules in priority order: away mode, then the
// time-of-day schedule with weather modifiers, then the bounds clamp,
// then the deadband against the current setpoint. A setpoint outside
// the bounds never holds under the deadband.
func Evaluate(cfg Config, in Inputs) Result {
	hour := ((in.Hour % 24) + 24) % 24

	target, rule, reason := schedule(cfg, hour, in)

	clamped := math.Max(cfg.MinTemp, math.Min(cfg.MaxTemp, target))
	if clamped != target {
		reason += fmt.Sprintf("; clamped to %.1f°C", clamped)
		target = clamped
	}

	if sp := in.CurrentSetpoint; sp != nil && *sp >= cfg.MinTemp && *sp <= cfg.MaxTemp &&
		math.Abs(*sp-target) < cfg.Deadband {
		return Result{
			Action: climate.NoChange,
			Target: *in.CurrentSetpoint,
			Rule:   RuleDeadband,
			Basis:  rule,
			Reasoning: fmt.Sprintf("Current setpoint %.1f°C is within %.1f°C of target %.1f°C (%s)",
				*in.CurrentSetpoint, cfg.Deadband, target, reason),
		}
	}

	return Result{
		Action:    climate.SetTemperature,
		Target:    target,
		Rule:      rule,
		Basis:     rule,
		Reasoning: reason,
	}
}

func schedule(cfg Config, hour int, in Inputs) (float64, string, string) {
	night := cfg.Night(hour)

	// Unrecognized occupancy is treated as occupied.
	if occ := in.Occupancy; occ != nil && occ.Recognized && !occ.Occupied && !night &&
		occ.MinutesSinceLastMotion != nil && *occ.MinutesSinceLastMotion >= cfg.AwayIdleMinutes {
		return cfg.AwayTarget, RuleAwayMode, fmt.Sprintf("Away: no motion for %d min (≥ %d): setback to %.1f°C",
			*occ.MinutesSinceLastMotion, cfg.AwayIdleMinutes, cfg.AwayTarget)
	}

	var target float64
	var rule, reason string
	switch {
	case cfg.warmup(hour):
		target, rule = cfg.WarmupTarget, RuleMorningWarmup
		reason = fmt.Sprintf("Morning warmup (%02d:00-%02d:00): %.1f°C", cfg.WarmupStart, cfg.WarmupEnd, target)
	case night:
		target, rule = cfg.NightTarget, RuleSchedule
		reason = fmt.Sprintf("Nighttime schedule: %.1f°C", target)
	default:
		target, rule = cfg.DayTarget, RuleSchedule
		reason = fmt.Sprintf("Daytime schedule: %.1f°C", target)
	}

	if in.OutdoorTemp != nil {
		out := *in.OutdoorTemp
		switch {
		case out < cfg.ColdThreshold:
			target += cfg.ColdBoost
			rule = RuleColdBoost
			reason = fmt.Sprintf("Cold outside (%.1f°C < %.1f°C): boost to %.1f°C", out, cfg.ColdThreshold, target)
		case out > cfg.HotThreshold:
			target = cfg.HotTarget
			rule = RuleHotWeather
			reason = fmt.Sprintf("Hot outside (%.1f°C > %.1f°C): cool to %.1f°C", out, cfg.HotThreshold, target)
		}
	}
	return target, rule, reason
}

// Describe returns a human-readable summary of the rules.
func (c Config) Describe() string {
	return fmt.Sprintf(`Baseline rules:
- Away (unoccupied %d+ min, daytime): %.1f°C
- Morning warmup (%02d:00-%02d:00): %.1f°C
- Daytime (%02d:00-%02d:00): %.1f°C
- Nighttime: %.1f°C
- Cold boost (outdoor < %.1f°C): +%.1f°C
- Summer cooling (outdoor > %.1f°C): %.1f°C
- Bounds: %.1f-%.1f°C, deadband ±%.1f°C`,
		c.AwayIdleMinutes, c.AwayTarget,
		c.WarmupStart, c.WarmupEnd, c.WarmupTarget,
		c.DayStart, c.NightStart, c.DayTarget,
		c.NightTarget,
		c.ColdThreshold, c.ColdBoost,
		c.HotThreshold, c.HotTarget,
		c.MinTemp, c.MaxTemp, c.Deadband)
}

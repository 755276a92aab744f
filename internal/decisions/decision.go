// Package decisions is the append-only record of evaluation cycles: what
// the model decided, what the baseline would have done, and how they
// compare. The same SQLite database holds the runtime settings and the
// editable prompts.
package decisions

import (
	"math"
	"time"

	"github.com/nugget/climate-agent/internal/climate"
)

// Decision is the record of one evaluation cycle. It is written once and
// never modified.
type Decision struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Trigger   string    `json:"trigger"` // scheduled, manual, cli, startup

	IndoorTemp    float64  `json:"indoor_temp"`
	OutdoorTemp   float64  `json:"outdoor_temp"`
	Setpoint      *float64 `json:"setpoint,omitempty"` // setpoint before the cycle
	ForecastTrend string   `json:"forecast_trend"`

	AIAction    climate.Action `json:"ai_action"`
	AITarget    *float64       `json:"ai_target,omitempty"`
	AIReasoning string         `json:"ai_reasoning"`
	// RequestedTarget is the value the model asked for before clamping.
	RequestedTarget *float64 `json:"requested_target,omitempty"`
	Clamped         bool     `json:"clamped"`

	BaselineAction    climate.Action `json:"baseline_action"`
	BaselineTarget    float64        `json:"baseline_target"`
	RuleTriggered     string         `json:"rule_triggered"`
	BaselineReasoning string         `json:"baseline_reasoning"`

	Overridden  bool     `json:"overridden"`
	Success     bool     `json:"success"` // false when a requested write failed
	Annotations []string `json:"annotations,omitempty"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	Weather    *climate.WeatherSnapshot `json:"weather,omitempty"`
	Thermostat *climate.ThermostatState `json:"thermostat,omitempty"`
	ToolCalls  []ToolCallTrace          `json:"tool_calls,omitempty"`
}

// ToolCallTrace records one tool invocation (or deferred intent) made
// during a cycle.
type ToolCallTrace struct {
	Phase      string         `json:"phase"` // gather, reason, act
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	OK         bool           `json:"ok"`
	Result     string         `json:"result,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Deferred   bool           `json:"deferred,omitempty"`
	Cached     bool           `json:"cached,omitempty"`
	Notes      []string       `json:"notes,omitempty"`
}

// Overridden reports whether the model's decision differs materially
// from the baseline: the action kinds differ, or both set a temperature
// and the targets are more than tolerance apart.
func Overridden(aiAction climate.Action, aiTarget *float64, baseAction climate.Action, baseTarget, tolerance float64) bool {
	if aiAction != baseAction {
		return true
	}
	if aiAction != climate.SetTemperature || aiTarget == nil {
		return false
	}
	return math.Abs(*aiTarget-baseTarget) > tolerance
}

// Delta returns |ai_target - baseline_target| when the model set a
// temperature.
func (d *Decision) Delta() (float64, bool) {
	if d.AITarget == nil {
		return 0, false
	}
	return math.Abs(*d.AITarget - d.BaselineTarget), true
}

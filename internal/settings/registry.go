// Package settings turns the runtime-editable settings table into one
// immutable Snapshot per evaluation cycle.
//
// The YAML configuration provides the defaults. They seed the settings
// table on first start; after that the table is the source of truth and
// an operator can change a threshold or the model without a restart.
// Components never read settings ad hoc: the orchestrator loads a
// Snapshot at the start of each cycle and passes the values it needs.
package settings

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/llm"
	"github.com/nugget/climate-agent/internal/prompts"
)

// Setting keys.
const (
	KeyMinTemp = "min_temp"
	KeyMaxTemp = "max_temp"

	KeyDayStart        = "day_start"
	KeyNightStart      = "night_start"
	KeyDayTarget       = "day_target"
	KeyNightTarget     = "night_target"
	KeyWarmupStart     = "warmup_start"
	KeyWarmupEnd       = "warmup_end"
	KeyWarmupTarget    = "warmup_target"
	KeyColdThreshold   = "cold_threshold"
	KeyColdBoost       = "cold_boost"
	KeyHotThreshold    = "hot_threshold"
	KeyHotTarget       = "hot_target"
	KeyAwayTarget      = "away_target"
	KeyAwayIdleMinutes = "away_idle_minutes"
	KeyDeadband        = "deadband"

	KeyProvider      = "llm_provider"
	KeyModel         = "llm_model"
	KeyModelTimeout  = "model_timeout"
	KeyMaxIterations = "max_iterations"

	KeyForecastHours     = "forecast_hours"
	KeyOverrideTolerance = "override_tolerance"
	KeyConflictPolicy    = "conflict_policy"
)

// Categories group settings for display.
const (
	CategoryBounds   = "bounds"
	CategoryBaseline = "baseline"
	CategoryModel    = "model"
	CategoryAgent    = "agent"
)

// Conflict policies for repeated set_thermostat_temperature calls.
const (
	ConflictLastWins = "last_wins"
	ConflictReject   = "reject"
)

var (
	// ErrUnknownKey is returned for keys the registry does not define.
	ErrUnknownKey = errors.New("unknown setting")

	// ErrInvalidValue wraps every rejected value.
	ErrInvalidValue = errors.New("invalid setting value")
)

// Kind is the value type of a setting.
type Kind string

const (
	KindFloat    Kind = "float"
	KindInt      Kind = "int"
	KindDuration Kind = "duration"
	KindString   Kind = "string"
	KindEnum     Kind = "enum"
)

// Definition describes one known setting.
type Definition struct {
	Key         string   `json:"key"`
	Default     string   `json:"default"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Kind        Kind     `json:"kind"`
	Min         float64  `json:"min,omitempty"`
	Max         float64  `json:"max,omitempty"`
	Options     []string `json:"options,omitempty"`

	// check runs after the kind-specific parse.
	check func(string) error
}

// Parse converts a stored string into the setting's typed value:
// float64, int, time.Duration or string.
func (d Definition) Parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidValue, d.Key, fmt.Sprintf(format, args...))
	}

	switch d.Kind {
	case KindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalid("%q is not a number", raw)
		}
		if v < d.Min || v > d.Max {
			return nil, invalid("%v out of range %v-%v", v, d.Min, d.Max)
		}
		return v, nil

	case KindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalid("%q is not an integer", raw)
		}
		if float64(v) < d.Min || float64(v) > d.Max {
			return nil, invalid("%d out of range %v-%v", v, d.Min, d.Max)
		}
		return v, nil

	case KindDuration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			return nil, invalid("%q is not a duration", raw)
		}
		if v.Seconds() < d.Min || v.Seconds() > d.Max {
			return nil, invalid("%s out of range %vs-%vs", v, d.Min, d.Max)
		}
		return v, nil

	case KindEnum:
		v := strings.ToLower(raw)
		if !slices.Contains(d.Options, v) {
			return nil, invalid("%q not one of %s", raw, strings.Join(d.Options, ", "))
		}
		return v, nil

	default:
		if d.check != nil {
			if err := d.check(raw); err != nil {
				return nil, invalid("%v", err)
			}
		}
		return raw, nil
	}
}

// Registry is the fixed set of known settings with defaults taken from
// the YAML configuration.
type Registry struct {
	defs  []Definition
	index map[string]int

	systemPrompt string
}

// NewRegistry builds the registry for cfg.
func NewRegistry(cfg *config.Config) *Registry {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	b := cfg.Baseline
	c := cfg.Climate

	temp := func(key string, v float64, cat, desc string) Definition {
		return Definition{Key: key, Default: ff(v), Description: desc, Category: cat, Kind: KindFloat, Min: 5, Max: 35}
	}
	hour := func(key string, v int, limit float64, desc string) Definition {
		return Definition{Key: key, Default: strconv.Itoa(v), Description: desc, Category: CategoryBaseline, Kind: KindInt, Max: limit}
	}

	defs := []Definition{
		temp(KeyMinTemp, c.MinTemp, CategoryBounds, "Lowest setpoint ever written to the thermostat (°C)"),
		temp(KeyMaxTemp, c.MaxTemp, CategoryBounds, "Highest setpoint ever written to the thermostat (°C)"),

		hour(KeyDayStart, b.DayStart, 23, "Hour the day schedule begins"),
		hour(KeyNightStart, b.NightStart, 24, "Hour the night schedule begins"),
		temp(KeyDayTarget, b.DayTarget, CategoryBaseline, "Daytime setpoint (°C)"),
		temp(KeyNightTarget, b.NightTarget, CategoryBaseline, "Overnight setpoint (°C)"),
		hour(KeyWarmupStart, b.WarmupStart, 24, "First hour of the morning warmup window"),
		hour(KeyWarmupEnd, b.WarmupEnd, 24, "Hour the morning warmup window ends (exclusive)"),
		temp(KeyWarmupTarget, b.WarmupTarget, CategoryBaseline, "Morning warmup setpoint (°C)"),
		{Key: KeyColdThreshold, Default: ff(b.ColdThreshold), Description: "Outdoor temperature below which the cold boost applies (°C)", Category: CategoryBaseline, Kind: KindFloat, Min: -60, Max: 40},
		{Key: KeyColdBoost, Default: ff(b.ColdBoost), Description: "Degrees added to the schedule target in cold weather", Category: CategoryBaseline, Kind: KindFloat, Min: 0, Max: 5},
		{Key: KeyHotThreshold, Default: ff(b.HotThreshold), Description: "Outdoor temperature above which the hot weather target applies (°C)", Category: CategoryBaseline, Kind: KindFloat, Min: -60, Max: 60},
		temp(KeyHotTarget, b.HotTarget, CategoryBaseline, "Daytime setpoint in hot weather (°C)"),
		temp(KeyAwayTarget, b.AwayTarget, CategoryBaseline, "Setpoint while the home is unoccupied (°C)"),
		{Key: KeyAwayIdleMinutes, Default: strconv.Itoa(b.AwayIdleMinutes), Description: "Minutes without motion before away mode applies", Category: CategoryBaseline, Kind: KindInt, Min: 0, Max: 1440},
		{Key: KeyDeadband, Default: ff(b.Deadband), Description: "Setpoint changes smaller than this are not made (°C)", Category: CategoryBaseline, Kind: KindFloat, Min: 0, Max: 5},

		{Key: KeyProvider, Default: cfg.Models.Provider, Description: "Model provider: ollama, anthropic or openai", Category: CategoryModel, Kind: KindString, check: checkProvider},
		{Key: KeyModel, Default: cfg.Models.Model, Description: "Model name; empty selects the provider default", Category: CategoryModel, Kind: KindString},
		{Key: KeyModelTimeout, Default: cfg.Models.Timeout.String(), Description: "Timeout for one reasoning round", Category: CategoryModel, Kind: KindDuration, Min: 1, Max: 600},
		{Key: KeyMaxIterations, Default: strconv.Itoa(cfg.Models.MaxIterations), Description: "Maximum reasoning rounds per cycle", Category: CategoryModel, Kind: KindInt, Min: 1, Max: 20},

		{Key: KeyForecastHours, Default: strconv.Itoa(c.ForecastHours), Description: "Forecast horizon requested from get_forecast (hours)", Category: CategoryAgent, Kind: KindInt, Min: 1, Max: 48},
		{Key: KeyOverrideTolerance, Default: ff(c.OverrideTolerance), Description: "Target difference that counts as an override (°C)", Category: CategoryAgent, Kind: KindFloat, Min: 0, Max: 10},
		{Key: KeyConflictPolicy, Default: c.ConflictPolicy, Description: "Handling of conflicting setpoint calls: last_wins or reject", Category: CategoryAgent, Kind: KindEnum, Options: []string{ConflictLastWins, ConflictReject}},
	}

	r := &Registry{
		defs:  defs,
		index: make(map[string]int, len(defs)),
		systemPrompt: prompts.SystemPrompt(prompts.SystemParams{
			Location:      c.Location,
			MinTemp:       c.MinTemp,
			MaxTemp:       c.MaxTemp,
			DayStart:      b.DayStart,
			NightStart:    b.NightStart,
			DayTarget:     b.DayTarget,
			NightTarget:   b.NightTarget,
			ForecastHours: c.ForecastHours,
		}),
	}
	for i, d := range defs {
		r.index[d.Key] = i
	}
	return r
}

// Definitions returns every known setting in registry order.
func (r *Registry) Definitions() []Definition {
	return slices.Clone(r.defs)
}

// Lookup returns the definition for key.
func (r *Registry) Lookup(key string) (Definition, bool) {
	i, ok := r.index[key]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Validate parses value for key without storing it.
func (r *Registry) Validate(key, value string) error {
	d, ok := r.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	_, err := d.Parse(value)
	return err
}

// SystemPromptDefault returns the system prompt rendered from the YAML
// configuration.
func (r *Registry) SystemPromptDefault() string {
	return r.systemPrompt
}

func checkProvider(v string) error {
	if llm.DefaultModel(v) == "" {
		return fmt.Errorf("unknown provider %q (valid: ollama, anthropic, openai)", v)
	}
	return nil
}

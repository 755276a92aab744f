package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/climate-agent/internal/baseline"
	"github.com/nugget/climate-agent/internal/prompts"
)

// Snapshot is the configuration for one evaluation cycle. It is a value:
// later settings writes never change a snapshot already handed out.
type Snapshot struct {
	MinTemp float64 `json:"min_temp"`
	MaxTemp float64 `json:"max_temp"`

	// Baseline carries MinTemp and MaxTemp as well.
	Baseline baseline.Config `json:"baseline"`

	Provider      string        `json:"llm_provider"`
	Model         string        `json:"llm_model"`
	ModelTimeout  time.Duration `json:"model_timeout"`
	MaxIterations int           `json:"max_iterations"`

	ForecastHours     int     `json:"forecast_hours"`
	OverrideTolerance float64 `json:"override_tolerance"`
	ConflictPolicy    string  `json:"conflict_policy"`

	SystemPrompt string `json:"-"`
	TaskPrompt   string `json:"-"`

	LoadedAt time.Time `json:"loaded_at"`

	// Stale marks a snapshot reused after a failed read.
	Stale bool `json:"stale,omitempty"`
}

// Validate checks the cross-field constraints no single setting can.
func (s Snapshot) Validate() error {
	var errs []error
	if s.MinTemp >= s.MaxTemp {
		errs = append(errs, fmt.Errorf("min_temp %.1f must be below max_temp %.1f", s.MinTemp, s.MaxTemp))
	}
	if err := s.Baseline.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// build parses raw table values into a snapshot. Missing or unparseable
// values take the registry default; a snapshot that fails Validate takes
// the default bounds and baseline as a whole.
func (r *Registry) build(raw map[string]string, logger *slog.Logger) Snapshot {
	p := parser{reg: r, raw: raw, logger: logger}
	s := p.snapshot()
	if err := s.Validate(); err != nil {
		logger.Error("stored settings are inconsistent, using configured thermostat bounds and schedule",
			"error", err,
		)
		d := parser{reg: r, logger: logger}.snapshot()
		s.MinTemp, s.MaxTemp, s.Baseline = d.MinTemp, d.MaxTemp, d.Baseline
	}
	return s
}

// Defaults returns the snapshot built from the YAML configuration alone.
func (r *Registry) Defaults() Snapshot {
	s := parser{reg: r, logger: slog.New(slog.DiscardHandler)}.snapshot()
	s.SystemPrompt = r.systemPrompt
	s.TaskPrompt = prompts.DefaultTask()
	return s
}

type parser struct {
	reg    *Registry
	raw    map[string]string
	logger *slog.Logger
}

func (p parser) snapshot() Snapshot {
	minTemp := p.floatOf(KeyMinTemp)
	maxTemp := p.floatOf(KeyMaxTemp)
	return Snapshot{
		MinTemp: minTemp,
		MaxTemp: maxTemp,
		Baseline: baseline.Config{
			DayStart:        p.intOf(KeyDayStart),
			NightStart:      p.intOf(KeyNightStart),
			DayTarget:       p.floatOf(KeyDayTarget),
			NightTarget:     p.floatOf(KeyNightTarget),
			WarmupStart:     p.intOf(KeyWarmupStart),
			WarmupEnd:       p.intOf(KeyWarmupEnd),
			WarmupTarget:    p.floatOf(KeyWarmupTarget),
			ColdThreshold:   p.floatOf(KeyColdThreshold),
			ColdBoost:       p.floatOf(KeyColdBoost),
			HotThreshold:    p.floatOf(KeyHotThreshold),
			HotTarget:       p.floatOf(KeyHotTarget),
			AwayTarget:      p.floatOf(KeyAwayTarget),
			AwayIdleMinutes: p.intOf(KeyAwayIdleMinutes),
			Deadband:        p.floatOf(KeyDeadband),
			MinTemp:         minTemp,
			MaxTemp:         maxTemp,
		},
		Provider:          p.stringOf(KeyProvider),
		Model:             p.stringOf(KeyModel),
		ModelTimeout:      p.value(KeyModelTimeout).(time.Duration),
		MaxIterations:     p.intOf(KeyMaxIterations),
		ForecastHours:     p.intOf(KeyForecastHours),
		OverrideTolerance: p.floatOf(KeyOverrideTolerance),
		ConflictPolicy:    p.stringOf(KeyConflictPolicy),
	}
}

// value returns the typed value for key, falling back to the default.
func (p parser) value(key string) any {
	d, ok := p.reg.Lookup(key)
	if !ok {
		panic("settings: unregistered key " + key)
	}
	if s, ok := p.raw[key]; ok {
		v, err := d.Parse(s)
		if err == nil {
			return v
		}
		p.logger.Warn("ignoring invalid stored setting",
			"key", key,
			"value", s,
			"default", d.Default,
			"error", err,
		)
	}
	v, err := d.Parse(d.Default)
	if err != nil {
		// Reached only when the YAML value is outside the registry range.
		p.logger.Error("configured default is invalid", "key", key, "error", err)
		return zero(d.Kind)
	}
	return v
}

func (p parser) floatOf(key string) float64 { return p.value(key).(float64) }
func (p parser) intOf(key string) int { return p.value(key).(int) }
func (p parser) stringOf(key string) string { return p.value(key).(string) }

func zero(k Kind) any {
	switch k {
	case KindFloat:
		return 0.0
	case KindInt:
		return 0
	case KindDuration:
		return time.Duration(0)
	default:
		return ""
	}
}

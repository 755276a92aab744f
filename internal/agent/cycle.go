package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/climate-agent/internal/climate"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/mcp"
	"github.com/nugget/climate-agent/internal/settings"
)

// Tool names the orchestrator knows by contract.
const (
	toolCurrentWeather = "get_current_weather"
	toolForecast       = "get_forecast"
	toolThermostat     = "get_thermostat_state"
	toolOccupancy      = "get_occupancy_state"
	toolSetTemperature = "set_thermostat_temperature"
	toolSetHVACMode    = "set_hvac_mode"
	toolSetPreset      = "set_preset_mode"
)

// Trace phases.
const (
	phaseGather = "gather"
	phaseReason = "reason"
	phaseAct    = "act"
)

// Annotations recorded on decisions.
const (
	noteWeatherFromForecast = "weather_from_forecast"
	noteConflictingCalls    = "conflicting_calls"
	noteMaxIterations       = "max_iterations_reached"
)

// resultExcerpt bounds tool results stored in traces.
const resultExcerpt = 500

// cycle is the mutable state of one evaluation. Only gathering runs
// concurrently; cache and traces are guarded for it.
type cycle struct {
	id      string
	trigger string
	started time.Time // in the configured location
	log     *slog.Logger
	state   State
	snap    settings.Snapshot

	thermostat climate.ThermostatState
	weather    climate.WeatherSnapshot
	forecast   []climate.ForecastPoint
	occupancy  *climate.Occupancy
	observed   []mcp.Result // gather results in prompt order

	provider  string
	model     string
	reasoning string
	tokensIn  int
	tokensOut int

	// Deferred mutating intents in call order.
	temps []float64
	modes map[string]map[string]any // tool -> normalized args, last wins

	// Outcome of ACTING.
	action    climate.Action
	target    *float64
	requested *float64
	clamped   bool
	failed    bool

	mu          sync.Mutex
	cache       map[string]mcp.Result
	traces      []decisions.ToolCallTrace
	annotations []string
}

func (c *cycle) annotate(note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.annotations = append(c.annotations, note)
}

func (c *cycle) trace(t decisions.ToolCallTrace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = append(c.traces, t)
}

func (c *cycle) cached(key string) (mcp.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cache[key]
	return r, ok
}

func (c *cycle) remember(key string, r mcp.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = r
}

// cacheKey identifies a read call by tool and normalized arguments.
// encoding/json sorts map keys, so equal argument sets produce equal keys.
func cacheKey(tool string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return tool
	}
	return tool + string(raw)
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

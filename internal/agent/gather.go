package agent

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/climate-agent/internal/climate"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/mcp"
)

// gather reads the world in parallel. The thermostat and current
// weather are required and either failure cancels the other calls.
// Only when no server offers current weather does the first forecast
// point stand in for it.
func (o *Orchestrator) gather(ctx context.Context, c *cycle) error {
	o.args.Load(o.tools.Definitions())

	var thermo, weather, forecast, occupancy mcp.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		thermo = o.call(gctx, c, phaseGather, toolThermostat, map[string]any{})
		if !thermo.OK {
			return &AbortError{State: StateGathering, Reason: "thermostat state unavailable", Err: errors.New(thermo.Reason)}
		}
		return nil
	})
	withWeather := o.tools.Has(toolCurrentWeather)
	if withWeather {
		g.Go(func() error {
			weather = o.call(gctx, c, phaseGather, toolCurrentWeather, map[string]any{})
			if !weather.OK {
				return &AbortError{State: StateGathering, Reason: "current weather unavailable", Err: errors.New(weather.Reason)}
			}
			return nil
		})
	}
	g.Go(func() error {
		forecast = o.call(gctx, c, phaseGather, toolForecast, map[string]any{"hours": c.snap.ForecastHours})
		return nil
	})
	withOccupancy := o.tools.Has(toolOccupancy)
	if withOccupancy {
		g.Go(func() error {
			occupancy = o.call(gctx, c, phaseGather, toolOccupancy, map[string]any{})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	state, err := climate.ParseThermostat(thermo.Value)
	if err != nil {
		return &AbortError{State: StateGathering, Reason: "thermostat state malformed", Err: err}
	}
	c.thermostat = state
	c.observed = append(c.observed, thermo)
	if withWeather {
		c.observed = append(c.observed, weather)
	}
	c.observed = append(c.observed, forecast)

	if forecast.OK {
		points, err := climate.ParseForecast(forecast.Value, c.snap.ForecastHours)
		if err != nil {
			c.log.Warn("forecast unusable", "error", err)
		}
		c.forecast = points
	}

	if withWeather {
		w, err := climate.ParseWeather(weather.Value)
		if err != nil {
			return &AbortError{State: StateGathering, Reason: "current weather malformed", Err: err}
		}
		c.weather = w
	} else if w, ok := climate.WeatherFromForecast(c.forecast); ok {
		c.log.Warn("no current weather tool, using first forecast hour")
		c.weather = w
		c.annotate(noteWeatherFromForecast)
	} else {
		return &AbortError{State: StateGathering, Reason: "outdoor conditions unavailable", Err: errors.New("no current weather tool and no forecast")}
	}

	if withOccupancy {
		c.observed = append(c.observed, occupancy)
		if occupancy.OK {
			occ := climate.ParseOccupancy(occupancy.Value)
			c.occupancy = &occ
		} else {
			c.log.Warn("occupancy unavailable, assuming occupied", "reason", occupancy.Reason)
		}
	}

	c.log.Info("state gathered",
		"indoor_temp", c.thermostat.IndoorTemp,
		"setpoint", c.thermostat.Setpoint,
		"outdoor_temp", c.weather.OutdoorTemp,
		"forecast_points", len(c.forecast),
	)
	return nil
}

// call invokes a read tool after argument normalization. Identical calls
// within a cycle are answered from the cycle's cache. Unknown tools and
// invalid arguments fail without a remote call.
func (o *Orchestrator) call(ctx context.Context, c *cycle, phase, name string, args map[string]any) mcp.Result {
	t := decisions.ToolCallTrace{Phase: phase, Tool: name, Arguments: args}

	norm, err := o.args.Normalize(name, args)
	if err != nil {
		r := mcp.Failure(name, err.Error())
		r.Err = err
		t.Result = r.Reason
		c.trace(t)
		c.log.Warn("tool call rejected", "phase", phase, "tool", name, "error", err)
		return r
	}
	t.Arguments = norm.Args
	t.Notes = norm.Notes
	if len(norm.Notes) > 0 {
		c.log.Debug("tool arguments adjusted", "tool", name, "notes", norm.Notes)
	}

	key := cacheKey(name, norm.Args)
	if r, ok := c.cached(key); ok {
		t.OK = r.OK
		t.Cached = true
		t.Result = excerpt(r.String(), resultExcerpt)
		c.trace(t)
		c.log.Debug("tool call answered from cache", "phase", phase, "tool", name)
		return r
	}

	o.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"cycle_id": c.id,
		"phase":    phase,
		"tool":     name,
	})
	r := o.tools.Invoke(ctx, name, norm.Args)
	c.remember(key, r)

	t.OK = r.OK
	t.Result = excerpt(r.String(), resultExcerpt)
	t.Attempts = r.Attempts
	t.DurationMS = r.Duration.Milliseconds()
	c.trace(t)
	o.toolDone(c, phase, name, r.OK, false, r.Duration)
	return r
}

func (o *Orchestrator) toolDone(c *cycle, phase, name string, ok, cached bool, d time.Duration) {
	o.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"cycle_id":    c.id,
		"phase":       phase,
		"tool":        name,
		"ok":          ok,
		"cached":      cached,
		"duration_ms": d.Milliseconds(),
	})
}

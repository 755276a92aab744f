package agent

import (
	"context"
	"fmt"

	"github.com/nugget/climate-agent/internal/climate"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/mcp"
	"github.com/nugget/climate-agent/internal/settings"
	"github.com/nugget/climate-agent/internal/toolargs"
)

// act applies the model's deferred intents. At most one setpoint write
// happens per cycle, always inside [MinTemp, MaxTemp], and each write is
// attempted exactly once.
func (o *Orchestrator) act(ctx context.Context, c *cycle) {
	c.action = climate.NoChange

	if target, ok := o.resolveTarget(c); ok {
		o.applyTarget(ctx, c, target)
	}
	for _, name := range []string{toolSetHVACMode, toolSetPreset} {
		if args, ok := c.modes[name]; ok {
			o.applyMode(ctx, c, name, args)
		}
	}
}

// resolveTarget picks the authoritative setpoint among the model's
// set_thermostat_temperature calls.
func (o *Orchestrator) resolveTarget(c *cycle) (float64, bool) {
	if len(c.temps) == 0 {
		return 0, false
	}
	last := c.temps[len(c.temps)-1]
	for _, v := range c.temps[:len(c.temps)-1] {
		if v == last {
			continue
		}
		c.annotate(noteConflictingCalls)
		c.log.Warn("model requested conflicting setpoints",
			"requested", c.temps,
			"policy", c.snap.ConflictPolicy,
		)
		if c.snap.ConflictPolicy == settings.ConflictReject {
			c.annotate("conflicting setpoints rejected")
			return 0, false
		}
		break
	}
	return last, true
}

func (o *Orchestrator) applyTarget(ctx context.Context, c *cycle, requested float64) {
	lo, hi := c.snap.MinTemp, c.snap.MaxTemp
	target, clamped := toolargs.Clamp(requested, lo, hi)
	if clamped {
		c.clamped = true
		c.requested = &requested
		c.annotate(fmt.Sprintf("clamped %g to %g", requested, target))
		c.log.Warn("model setpoint outside safety bounds, clamping",
			"requested", requested,
			"applied", target,
			"min", lo,
			"max", hi,
		)
	}

	norm, err := o.args.Normalize(toolSetTemperature, map[string]any{"temperature": target})
	if err != nil {
		o.writeRefused(c, toolSetTemperature, err.Error())
		return
	}
	sent, err := toolargs.Number(norm.Args["temperature"])
	if err != nil || sent < lo || sent > hi {
		o.writeRefused(c, toolSetTemperature, fmt.Sprintf("normalized temperature %v outside %g-%g", norm.Args["temperature"], lo, hi))
		return
	}

	r := o.write(ctx, c, toolSetTemperature, norm.Args, norm.Notes)
	if !r.OK {
		c.failed = true
		c.annotate(toolSetTemperature + " failed: " + r.Reason)
		c.log.Error("setpoint write failed", "target", sent, "reason", r.Reason)
		return
	}
	c.action = climate.SetTemperature
	c.target = &sent
	c.log.Info("setpoint applied", "target", sent)
}

func (o *Orchestrator) applyMode(ctx context.Context, c *cycle, name string, args map[string]any) {
	r := o.write(ctx, c, name, args, nil)
	if !r.OK {
		c.failed = true
		c.annotate(name + " failed: " + r.Reason)
		c.log.Error("mode write failed", "tool", name, "arguments", args, "reason", r.Reason)
		return
	}
	c.annotate(fmt.Sprintf("%s applied: %v", name, args))
	c.log.Info("mode applied", "tool", name, "arguments", args)
}

// write performs a single attempt of a mutating tool and traces it.
func (o *Orchestrator) write(ctx context.Context, c *cycle, name string, args map[string]any, notes []string) mcp.Result {
	r := o.tools.InvokeOnce(ctx, name, args)
	c.trace(decisions.ToolCallTrace{
		Phase:      phaseAct,
		Tool:       name,
		Arguments:  args,
		OK:         r.OK,
		Result:     excerpt(r.String(), resultExcerpt),
		Attempts:   r.Attempts,
		DurationMS: r.Duration.Milliseconds(),
		Notes:      notes,
	})
	o.toolDone(c, phaseAct, name, r.OK, false, r.Duration)
	return r
}

func (o *Orchestrator) writeRefused(c *cycle, name, reason string) {
	c.failed = true
	c.annotate(name + " refused: " + reason)
	c.trace(decisions.ToolCallTrace{Phase: phaseAct, Tool: name, Result: "Error: " + reason})
	c.log.Error("mutating call refused", "tool", name, "reason", reason)
}

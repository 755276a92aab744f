package agent

import (
	"context"

	"github.com/nugget/climate-agent/internal/baseline"
	"github.com/nugget/climate-agent/internal/climate"
	"github.com/nugget/climate-agent/internal/decisions"
)

// reconcile evaluates the baseline on the inputs the model saw and
// appends the comparison record.
func (o *Orchestrator) reconcile(ctx context.Context, c *cycle) (*decisions.Decision, error) {
	indoor := c.thermostat.IndoorTemp
	outdoor := c.weather.OutdoorTemp
	base := baseline.Evaluate(c.snap.Baseline, baseline.Inputs{
		Hour:            c.started.Hour(),
		OutdoorTemp:     &outdoor,
		IndoorTemp:      &indoor,
		CurrentSetpoint: c.thermostat.Setpoint,
		Occupancy:       c.occupancy,
	})

	trend := "unknown"
	if len(c.forecast) > 0 {
		trend = climate.ForecastTrend(c.forecast).String()
	}

	weather := c.weather
	thermostat := c.thermostat
	d := &decisions.Decision{
		ID:            c.id,
		Timestamp:     c.started,
		Trigger:       c.trigger,
		IndoorTemp:    indoor,
		OutdoorTemp:   outdoor,
		Setpoint:      c.thermostat.Setpoint,
		ForecastTrend: trend,

		AIAction:        c.action,
		AITarget:        c.target,
		AIReasoning:     c.reasoning,
		RequestedTarget: c.requested,
		Clamped:         c.clamped,

		BaselineAction:    base.Action,
		BaselineTarget:    base.Target,
		RuleTriggered:     base.Rule,
		BaselineReasoning: base.Reasoning,

		Overridden:  decisions.Overridden(c.action, c.target, base.Action, base.Target, c.snap.OverrideTolerance),
		Success:     !c.failed,
		Annotations: c.annotations,
		Provider:    c.provider,
		Model:       c.model,

		Weather:    &weather,
		Thermostat: &thermostat,
		ToolCalls:  c.traces,
	}

	if _, err := o.store.Append(ctx, d); err != nil {
		return nil, err
	}

	c.log.Info("decision comparison",
		"ai_action", d.AIAction,
		"ai_target", d.AITarget,
		"baseline_action", d.BaselineAction,
		"baseline_target", d.BaselineTarget,
		"rule", d.RuleTriggered,
		"overridden", d.Overridden,
		"success", d.Success,
		"input_tokens", c.tokensIn,
		"output_tokens", c.tokensOut,
	)
	return d, nil
}

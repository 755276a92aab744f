package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/llm"
	"github.com/nugget/climate-agent/internal/mcp"
	"github.com/nugget/climate-agent/internal/prompts"
	"github.com/nugget/climate-agent/internal/toolargs"
)

// reason runs the model loop. Read tools are executed and fed back;
// mutating tools are recorded as intents and acknowledged without being
// executed. The loop ends on a final answer or after MaxIterations
// rounds.
func (o *Orchestrator) reason(ctx context.Context, c *cycle, client llm.Client, model string) error {
	obs := make([]prompts.Observation, 0, len(c.observed))
	for _, r := range c.observed {
		obs = append(obs, prompts.Observation{Tool: r.Tool, Result: r.String()})
	}
	task := prompts.TaskPrompt(c.snap.TaskPrompt, c.started, c.trigger)
	msgs := []llm.Message{
		{Role: "system", Content: c.snap.SystemPrompt},
		{Role: "user", Content: prompts.WithObservations(task, obs)},
	}

	defs := o.tools.Definitions()
	tools := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, d.ForModel())
	}

	maxIter := c.snap.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	for i := 0; i < maxIter; i++ {
		resp, err := o.chat(ctx, c, client, model, msgs, tools, i)
		if err != nil {
			reason := "model request failed"
			if llm.IsOpen(err) {
				reason = "model circuit open"
			}
			return &AbortError{State: StateReasoning, Reason: reason, Err: err}
		}
		c.tokensIn += resp.InputTokens
		c.tokensOut += resp.OutputTokens
		if text := strings.TrimSpace(resp.Message.Content); text != "" {
			c.reasoning = text
		}
		if resp.Final() {
			c.log.Debug("model finished", "iterations", i+1)
			return nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})
		for _, tc := range resp.Message.ToolCalls {
			var reply string
			if mcp.IsMutating(tc.Function.Name) {
				reply = o.deferIntent(c, tc.Function.Name, tc.Function.Arguments)
			} else {
				reply = o.call(ctx, c, phaseReason, tc.Function.Name, tc.Function.Arguments).String()
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: reply, ToolCallID: tc.ID})
		}
		if err := ctx.Err(); err != nil {
			return &AbortError{State: StateReasoning, Reason: "cancelled", Err: err}
		}
	}

	c.annotate(noteMaxIterations)
	c.log.Warn("model did not finish within the iteration limit", "max_iterations", maxIter)
	return nil
}

// chat performs one bounded model round.
func (o *Orchestrator) chat(ctx context.Context, c *cycle, client llm.Client, model string, msgs []llm.Message, tools []map[string]any, round int) (*llm.ChatResponse, error) {
	if c.snap.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.snap.ModelTimeout)
		defer cancel()
	}

	o.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"cycle_id": c.id,
		"provider": c.provider,
		"model":    model,
		"round":    round,
		"messages": len(msgs),
	})
	start := time.Now()
	resp, err := client.Chat(ctx, model, msgs, tools)
	elapsed := time.Since(start)
	if err != nil {
		c.log.Error("model request failed", "round", round, "elapsed", elapsed, "error", err)
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty model response")
	}

	c.log.Log(ctx, config.LevelTrace, "model response",
		"round", round,
		"content", resp.Message.Content,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	o.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"cycle_id":      c.id,
		"provider":      c.provider,
		"model":         model,
		"round":         round,
		"tool_calls":    len(resp.Message.ToolCalls),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"elapsed_ms":    elapsed.Milliseconds(),
	})
	return resp, nil
}

// deferIntent records a mutating call for ACTING and returns the reply
// fed back to the model.
func (o *Orchestrator) deferIntent(c *cycle, name string, args map[string]any) string {
	t := decisions.ToolCallTrace{Phase: phaseReason, Tool: name, Arguments: args, Deferred: true}
	reply := func(r string) string {
		t.Result = r
		c.trace(t)
		return r
	}

	switch name {
	case toolSetTemperature:
		v, err := toolargs.Number(args["temperature"])
		if err != nil {
			c.annotate("invalid_arguments: " + name)
			c.log.Warn("unusable temperature from model", "arguments", args, "error", err)
			return reply("Error: temperature must be a number")
		}
		c.temps = append(c.temps, v)
		t.OK = true
		return reply(fmt.Sprintf("Accepted: set temperature to %g°C will be applied once after reasoning completes.", v))

	case toolSetHVACMode, toolSetPreset:
		norm, err := o.args.Normalize(name, args)
		if err != nil {
			c.annotate("invalid_arguments: " + name)
			c.log.Warn("invalid mode from model", "tool", name, "arguments", args, "error", err)
			return reply("Error: " + err.Error())
		}
		t.Arguments = norm.Args
		t.Notes = norm.Notes
		t.OK = true
		c.modes[name] = norm.Args
		return reply(fmt.Sprintf("Accepted: %s will be applied once after reasoning completes.", name))
	}

	c.log.Warn("unsupported mutating tool", "tool", name)
	return reply("Error: " + name + " is not supported by this agent")
}

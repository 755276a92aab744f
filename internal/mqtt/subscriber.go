package mqtt

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PressPayload is what the HA evaluate button sends.
const PressPayload = "PRESS"

// TriggerFunc requests one evaluation cycle.
type TriggerFunc func(ctx context.Context) error

// commandTimeout bounds a cycle requested over MQTT.
const commandTimeout = 5 * time.Minute

// onMessage handles an inbound publish. Only presses on the command
// topic do anything; everything else is logged and dropped.
func (p *Publisher) onMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !bytes.Equal(bytes.TrimSpace(payload), []byte(PressPayload)) {
		p.logger.Debug("mqtt command ignored", "topic", topic, "payload", string(payload))
		return
	}
	if p.trigger == nil {
		p.logger.Debug("mqtt evaluate pressed but no trigger wired")
		return
	}
	if !p.limiter.allow() {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		p.logger.Info("evaluation requested over mqtt")
		if err := p.trigger(tctx); err != nil {
			p.logger.Warn("mqtt-requested evaluation failed", "error", err)
		}
	}()
}

// commandLimiter caps inbound commands per interval. Presses over the
// limit are dropped until the next reset. Lock-free on the hot path.
type commandLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandLimiter {
	return &commandLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging how many commands were dropped.
func (r *commandLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one command and reports whether it is within the limit.
func (r *commandLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

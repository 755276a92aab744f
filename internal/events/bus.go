// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (orchestrator, scheduler,
// connection watcher) to subscribers (the API's server-sent event
// stream, the MQTT publisher). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the decision orchestrator.
	SourceAgent = "agent"
	// SourceScheduler identifies events from the evaluation scheduler.
	SourceScheduler = "scheduler"
	// SourceConnwatch identifies provider health transitions.
	SourceConnwatch = "connwatch"
	// SourceSettings identifies administrative settings writes.
	SourceSettings = "settings"
)

// Kind constants describe the type of event within a source.
const (
	// KindCycleState signals an orchestrator state transition.
	// Data: cycle_id, trigger, state, reason (ABORTED only).
	KindCycleState = "cycle_state"
	// KindLLMCall signals the start of a reasoning round.
	// Data: cycle_id, provider, model, round, messages.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a reasoning round.
	// Data: cycle_id, provider, model, round, tool_calls, input_tokens,
	// output_tokens, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall signals a tool call or deferred intent.
	// Data: cycle_id, phase, tool, deferred.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool call.
	// Data: cycle_id, phase, tool, ok, cached, duration_ms.
	KindToolDone = "tool_done"
	// KindDecision signals a persisted Decision.
	// Data: cycle_id, decision (*decisions.Decision).
	KindDecision = "decision"

	// KindTaskFired signals a scheduled evaluation has begun.
	// Data: run_id, trigger.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled evaluation has finished.
	// Data: run_id, trigger, status, decision_id, duration_ms.
	KindTaskComplete = "task_complete"

	// KindProviderDown signals a tool server or model backend became unreachable.
	// Data: provider, kind, error.
	KindProviderDown = "provider_down"
	// KindProviderUp signals a tool server or model backend became reachable.
	// Data: provider, kind.
	KindProviderUp = "provider_up"

	// KindSettingChanged signals an administrative settings write.
	// Data: key, value.
	KindSettingChanged = "setting_changed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// 64 is a reasonable bufSize for stream consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

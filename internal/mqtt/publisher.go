package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
)

// DecisionSource supplies the data behind the sensors.
// *decisions.Store satisfies it.
type DecisionSource interface {
	Recent(ctx context.Context, limit int) ([]*decisions.Decision, error)
	Stats(ctx context.Context, window time.Duration) (decisions.Stats, error)
}

// Options carries the publisher's optional collaborators.
type Options struct {
	Decisions DecisionSource
	Trigger   TriggerFunc    // evaluate button; presses are ignored when nil
	Window    time.Duration  // override rate window; 7 days when zero
	Location  *time.Location // midnight rollover for daily counters
}

// publishClient is the part of *autopaho.ConnectionManager used to
// send messages.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// message is one retained state or attributes payload.
type message struct {
	topic   string
	payload []byte
}

// Publisher owns the MQTT connection, publishes HA discovery on every
// (re-)connect, and turns decision events into sensor states.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *Daily
	source     DecisionSource
	window     time.Duration
	trigger    TriggerFunc
	limiter    *commandLimiter
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu    sync.Mutex
	cm    *autopaho.ConnectionManager
	cache map[string][]byte // topic -> last payload, replayed on reconnect
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin consuming events.
func New(cfg config.MQTTConfig, instanceID string, opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      NewDaily(opts.Location),
		source:     opts.Decisions,
		window:     window,
		trigger:    opts.Trigger,
		limiter:    newCommandLimiter(2, time.Minute, logger),
		logger:     logger,
		cache:      make(map[string][]byte),
	}
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() DeviceInfo { return p.device }

// Start connects to the broker and consumes bus events until ctx is
// cancelled. Sensor states are seeded from the most recent stored
// decision so HA has values before the first cycle.
func (p *Publisher) Start(ctx context.Context, bus *events.Bus) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no decision is missed.
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	p.seed(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.publish(ctx, cm, p.replay())
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "climate-agent-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	go p.limiter.start(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if msgs := p.handleEvent(ctx, e); len(msgs) > 0 {
				p.publish(ctx, cm, msgs)
			}
		}
	}
}

// Stop publishes "offline" and disconnects, then waits for any
// evaluation requested over MQTT to return.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	err := cm.Disconnect(ctx)
	p.wg.Wait()
	return err
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "climate-agent/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/evaluate/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

// Entity suffixes, also used as HA object IDs.
const (
	entityAITarget       = "ai_target"
	entityBaselineTarget = "baseline_target"
	entityRuleTriggered  = "rule_triggered"
	entityOverrideRate   = "override_rate"
	entityLastCycle      = "last_cycle"
	entityOverridden     = "overridden"
	entityTokensToday    = "tokens_today"
	entityCyclesToday    = "cycles_today"
	entityEvaluate       = "evaluate"
)

type entityDef struct {
	component    string // sensor, binary_sensor, button
	entitySuffix string
	config       EntityConfig
}

func (p *Publisher) entity(component, suffix, name string) entityDef {
	cfg := EntityConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
	}
	if component != "button" {
		cfg.StateTopic = p.stateTopic(suffix)
	}
	return entityDef{component: component, entitySuffix: suffix, config: cfg}
}

func (p *Publisher) entityDefinitions() []entityDef {
	aiTarget := p.entity("sensor", entityAITarget, "AI Target")
	aiTarget.config.DeviceClass = "temperature"
	aiTarget.config.UnitOfMeasurement = "°C"
	aiTarget.config.StateClass = "measurement"
	aiTarget.config.Icon = "mdi:robot"

	baseTarget := p.entity("sensor", entityBaselineTarget, "Baseline Target")
	baseTarget.config.DeviceClass = "temperature"
	baseTarget.config.UnitOfMeasurement = "°C"
	baseTarget.config.StateClass = "measurement"
	baseTarget.config.Icon = "mdi:thermostat"

	rule := p.entity("sensor", entityRuleTriggered, "Rule Triggered")
	rule.config.Icon = "mdi:format-list-checks"

	overrideRate := p.entity("sensor", entityOverrideRate, "Override Rate")
	overrideRate.config.UnitOfMeasurement = "%"
	overrideRate.config.StateClass = "measurement"
	overrideRate.config.Icon = "mdi:call-split"
	overrideRate.config.JsonAttributesTopic = p.attributesTopic(entityOverrideRate)

	lastCycle := p.entity("sensor", entityLastCycle, "Last Cycle")
	lastCycle.config.DeviceClass = "timestamp"
	lastCycle.config.Icon = "mdi:clock-check"
	lastCycle.config.JsonAttributesTopic = p.attributesTopic(entityLastCycle)

	overridden := p.entity("binary_sensor", entityOverridden, "Overridden")
	overridden.config.PayloadOn = "ON"
	overridden.config.PayloadOff = "OFF"
	overridden.config.Icon = "mdi:swap-horizontal"

	tokens := p.entity("sensor", entityTokensToday, "Tokens Today")
	tokens.config.UnitOfMeasurement = "tokens"
	tokens.config.StateClass = "total_increasing"
	tokens.config.EntityCategory = "diagnostic"
	tokens.config.Icon = "mdi:counter"

	cycles := p.entity("sensor", entityCyclesToday, "Cycles Today")
	cycles.config.StateClass = "total_increasing"
	cycles.config.EntityCategory = "diagnostic"
	cycles.config.Icon = "mdi:sync"

	evaluate := p.entity("button", entityEvaluate, "Evaluate Now")
	evaluate.config.CommandTopic = p.commandTopic()
	evaluate.config.PayloadPress = PressPayload
	evaluate.config.Icon = "mdi:play-circle"

	return []entityDef{
		aiTarget, baseTarget, rule, overrideRate, lastCycle,
		overridden, tokens, cycles, evaluate,
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm publishClient) {
	for _, e := range p.entityDefinitions() {
		topic := p.discoveryTopic(e.component, e.entitySuffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", e.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", e.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", e.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm publishClient, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.commandTopic(), QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.commandTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.commandTopic())
}

// --- State ---

// seed renders states from the most recent stored decision.
func (p *Publisher) seed(ctx context.Context) {
	if p.source == nil {
		return
	}
	recent, err := p.source.Recent(ctx, 1)
	if err != nil {
		p.logger.Warn("mqtt could not load last decision", "error", err)
		return
	}
	if len(recent) == 0 {
		return
	}
	p.remember(p.decisionMessages(ctx, recent[0]))
}

// handleEvent turns a bus event into the messages to publish. The
// messages are also cached for replay on reconnect.
func (p *Publisher) handleEvent(ctx context.Context, e events.Event) []message {
	switch e.Kind {
	case events.KindDecision:
		d, ok := e.Data["decision"].(*decisions.Decision)
		if !ok || d == nil {
			return nil
		}
		p.daily.AddCycle()
		msgs := append(p.decisionMessages(ctx, d), p.dailyMessages()...)
		p.remember(msgs)
		return msgs
	case events.KindLLMResponse:
		in, _ := e.Data["input_tokens"].(int)
		out, _ := e.Data["output_tokens"].(int)
		if in == 0 && out == 0 {
			return nil
		}
		p.daily.AddTokens(in, out)
		msgs := p.dailyMessages()
		p.remember(msgs)
		return msgs
	}
	return nil
}

// decisionMessages renders the sensor states for one decision.
func (p *Publisher) decisionMessages(ctx context.Context, d *decisions.Decision) []message {
	aiTarget := "None"
	if d.AITarget != nil {
		aiTarget = formatTemp(*d.AITarget)
	}
	overridden := "OFF"
	if d.Overridden {
		overridden = "ON"
	}

	msgs := []message{
		p.state(entityAITarget, aiTarget),
		p.state(entityBaselineTarget, formatTemp(d.BaselineTarget)),
		p.state(entityRuleTriggered, d.RuleTriggered),
		p.state(entityOverridden, overridden),
		p.state(entityLastCycle, d.Timestamp.UTC().Format(time.RFC3339)),
		p.attributes(entityLastCycle, map[string]any{
			"decision_id":     d.ID,
			"trigger":         d.Trigger,
			"ai_action":       d.AIAction,
			"baseline_action": d.BaselineAction,
			"indoor_temp":     d.IndoorTemp,
			"outdoor_temp":    d.OutdoorTemp,
			"forecast_trend":  d.ForecastTrend,
			"success":         d.Success,
		}),
	}

	if p.source == nil {
		return msgs
	}
	st, err := p.source.Stats(ctx, p.window)
	if err != nil {
		p.logger.Warn("mqtt override rate unavailable", "error", err)
		return msgs
	}
	return append(msgs,
		p.state(entityOverrideRate, strconv.FormatFloat(st.OverrideRate*100, 'f', 1, 64)),
		p.attributes(entityOverrideRate, map[string]any{
			"window":        p.window.String(),
			"count":         st.Count,
			"overridden":    st.Overridden,
			"average_delta": st.AverageDelta,
		}),
	)
}

func (p *Publisher) dailyMessages() []message {
	in, out, cycles := p.daily.Snapshot()
	return []message{
		p.state(entityTokensToday, strconv.FormatInt(in+out, 10)),
		p.state(entityCyclesToday, strconv.FormatInt(cycles, 10)),
	}
}

func (p *Publisher) state(entity, value string) message {
	return message{topic: p.stateTopic(entity), payload: []byte(value)}
}

func (p *Publisher) attributes(entity string, attrs map[string]any) message {
	payload, err := json.Marshal(attrs)
	if err != nil {
		p.logger.Error("mqtt marshal attributes", "entity", entity, "error", err)
		payload = []byte("{}")
	}
	return message{topic: p.attributesTopic(entity), payload: payload}
}

func (p *Publisher) remember(msgs []message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.cache[m.topic] = m.payload
	}
}

func (p *Publisher) replay() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]message, 0, len(p.cache))
	for topic, payload := range p.cache {
		msgs = append(msgs, message{topic: topic, payload: payload})
	}
	return msgs
}

func (p *Publisher) publish(ctx context.Context, cm publishClient, msgs []message) {
	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"topic", m.topic, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "messages", len(msgs))
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

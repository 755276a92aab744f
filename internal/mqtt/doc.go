// Package mqtt publishes the agent's decisions to Home Assistant over
// MQTT. The agent appears as a native HA device whose sensors track the
// model's setpoint, the baseline's setpoint, the rule that fired, the
// override rate, and when the last cycle ran. A button entity lets HA
// request an evaluation.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the publisher sends
// retained discovery configs, a birth message ("online") on the
// availability topic, the last known sensor states, and re-subscribes
// to the command topic. A will message flips availability to "offline"
// on unexpected disconnects.
//
// Sensor states are driven by the event bus: each persisted decision
// produces one round of state updates. Nothing polls.
package mqtt

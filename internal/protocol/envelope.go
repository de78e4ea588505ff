// Package protocol defines the wire envelope shared by the relay server and
// all push-channel clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope wraps every message that crosses the push channel. Payload stays
// raw until the consumer narrows it by Type; MissionID and DroneID are
// optional scoping keys used for routing.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	MissionID string          `json:"mission_id,omitempty"`
	DroneID   string          `json:"drone_id,omitempty"`
}

// NewEnvelope creates an envelope with the given type and payload, stamped
// with the current time.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the payload into the given target.
func (e *Envelope) DecodePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Message types (server → client)
const (
	TypeMissionProgress = "mission_progress"
	TypeDroneTelemetry  = "drone_telemetry"
	TypeDiscoveryUpdate = "discovery_update"
	TypeChatMessage     = "chat_message"
	TypeSystemStatus    = "system_status"
	TypeError           = "error"
)

// Message types (both directions)
const (
	TypeHeartbeat    = "heartbeat"
	TypeSubscription = "subscription"
)

// Subscription actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscriptionPayload tells the server which message types and scopes this
// client wants pushed to it. The server keeps no subscription state across
// connections, so clients replay these after every reconnect.
type SubscriptionPayload struct {
	Action      string `json:"action"`
	MessageType string `json:"message_type"`
	MissionID   string `json:"mission_id,omitempty"`
	DroneID     string `json:"drone_id,omitempty"`
}

// HeartbeatPayload keeps intermediary proxies from idling out the
// connection. It is never dispatched to subscribers.
type HeartbeatPayload struct {
	Timestamp string `json:"timestamp"`
}

// ErrorPayload carries a server-side error notification.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Package events narrows raw envelope payloads to concrete event structs.
// The channel layer stays type-agnostic; consumers switch on the envelope
// type here, at the edge.
package events

import (
	"fmt"
	"time"

	"github.com/sarlink/sarlink/internal/protocol"
)

// MissionProgress reports search progress for one mission.
type MissionProgress struct {
	Phase           string  `json:"phase"` // "staging", "searching", "recovering", "complete"
	Percent         float64 `json:"percent"`
	SearchedAreaKM2 float64 `json:"searched_area_km2"`
	ActiveDrones    int     `json:"active_drones"`
}

// DroneTelemetry is one position/health sample from a drone.
type DroneTelemetry struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AltitudeM      float64 `json:"altitude_m"`
	HeadingDeg     float64 `json:"heading_deg"`
	SpeedMS        float64 `json:"speed_ms"`
	BatteryPercent float64 `json:"battery_percent"`
	GPSFix         bool    `json:"gps_fix"`
}

// Discovery is a sighting reported by a drone or operator.
type Discovery struct {
	DiscoveryID string    `json:"discovery_id"`
	Kind        string    `json:"kind"` // "person", "vehicle", "debris", "signal"
	Confidence  float64   `json:"confidence"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Note        string    `json:"note,omitempty"`
	SightedAt   time.Time `json:"sighted_at"`
}

// ChatMessage is one line of operator chat.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

// SystemStatus reports the health of one backend component.
type SystemStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"` // "ok", "degraded", "down"
	Detail    string `json:"detail,omitempty"`
}

// Decode narrows an envelope to its concrete event struct. It returns one
// of *MissionProgress, *DroneTelemetry, *Discovery, *ChatMessage,
// *SystemStatus, or *protocol.ErrorPayload.
func Decode(env *protocol.Envelope) (any, error) {
	switch env.Type {
	case protocol.TypeMissionProgress:
		var p MissionProgress
		if err := env.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode mission progress: %w", err)
		}
		return &p, nil
	case protocol.TypeDroneTelemetry:
		var p DroneTelemetry
		if err := env.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode drone telemetry: %w", err)
		}
		return &p, nil
	case protocol.TypeDiscoveryUpdate:
		var p Discovery
		if err := env.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode discovery: %w", err)
		}
		return &p, nil
	case protocol.TypeChatMessage:
		var p ChatMessage
		if err := env.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode chat message: %w", err)
		}
		return &p, nil
	case protocol.TypeSystemStatus:
		var p SystemStatus
		if err := env.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode system status: %w", err)
		}
		return &p, nil
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

// Topics lists every subscriber-facing envelope type.
func Topics() []string {
	return []string{
		protocol.TypeMissionProgress,
		protocol.TypeDroneTelemetry,
		protocol.TypeDiscoveryUpdate,
		protocol.TypeChatMessage,
		protocol.TypeSystemStatus,
		protocol.TypeError,
	}
}

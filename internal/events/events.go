package events

import (
	"encoding/json"
	"fmt"
)

// Event types carried on the configuration bus.
const (
	TypeCollectionChanged = "config.collection.changed"
	TypeAuthzChanged      = "config.authz.changed"
	TypeServiceChanged    = "config.service.changed"
)

// Change types inside an event payload.
const (
	ChangeCreated = "CREATED"
	ChangeUpdated = "UPDATED"
	ChangeDeleted = "DELETED"
)

// Envelope is the wire form of every configuration event.
type Envelope struct {
	EventID       string  `json:"eventId"`
	EventType     string  `json:"eventType"`
	CorrelationID string  `json:"correlationId"`
	Timestamp     string  `json:"timestamp"`
	Payload       Payload `json:"payload"`
}

// Payload carries the change kind and the changed entity. The entity shape
// depends on the event type, so it stays raw until the handler decodes it.
type Payload struct {
	ChangeType string          `json:"changeType"`
	Entity     json.RawMessage `json:"entity"`
}

// Decode parses and minimally validates an event.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("malformed event: missing eventType")
	}
	if env.Payload.ChangeType == "" {
		return nil, fmt.Errorf("malformed event %s: missing changeType", env.EventID)
	}
	switch env.Payload.ChangeType {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
	default:
		return nil, fmt.Errorf("malformed event %s: unknown changeType %q", env.EventID, env.Payload.ChangeType)
	}
	if len(env.Payload.Entity) == 0 {
		return nil, fmt.Errorf("malformed event %s: missing entity", env.EventID)
	}
	return &env, nil
}

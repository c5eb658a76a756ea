package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBufferHealthChange     EventType = "bufferHealthChange"
	EventNetworkConditionChange EventType = "networkConditionChange"
	EventMemoryWarning          EventType = "memoryWarning"
	EventMemoryPressure         EventType = "memoryPressure"
	EventOptimizationApplied    EventType = "optimizationApplied"
	EventCDNFailover            EventType = "cdnFailover"
)

// EventTypes lists every event a subscriber can listen for
var EventTypes = []EventType{
	EventBufferHealthChange,
	EventNetworkConditionChange,
	EventMemoryWarning,
	EventMemoryPressure,
	EventOptimizationApplied,
	EventCDNFailover,
}

// ParseEventType validates an event name received from a client
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", ErrUnknownEvent
}

type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func NewEvent(eventType EventType, payload interface{}, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: at,
		Payload:   payload,
	}
}

type BufferHealthChange struct {
	Previous int     `json:"previous"`
	Current  int     `json:"current"`
	Level    float64 `json:"level"`
}

type NetworkConditionChange struct {
	Conditions NetworkConditions `json:"conditions"`
	Previous   NetworkClass      `json:"previous_class"`
	Changed    []string          `json:"changed"`
}

type MemoryAlert struct {
	Pressure MemoryPressure `json:"pressure"`
	Reason   string         `json:"reason"`
	Metrics  MemoryMetrics  `json:"metrics"`
	Cleanup  *CleanupReport `json:"cleanup,omitempty"`
}

type OptimizationAdvice struct {
	Rule   string  `json:"rule"`
	Action string  `json:"action"`
	Reason string  `json:"reason"`
	Value  float64 `json:"value"`
	Target float64 `json:"target,omitempty"`
}

type CDNFailover struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

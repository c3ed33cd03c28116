package domain

// EventType is a well-known gateway event type.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
	EventState      EventType = "dex:state"
	EventActivity   EventType = "activity:new"
	EventMetrics    EventType = "metrics:update"
)

// Event is one framed JSON message fanned out to gateway observers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

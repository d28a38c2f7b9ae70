package bus

import "time"

type EventType string

const (
	EventAdmitted        EventType = "event_admitted"
	EventDropped         EventType = "event_dropped"
	EventMalformed       EventType = "event_malformed"
	EventReplySent       EventType = "reply_sent"
	EventReplyFailed     EventType = "reply_failed"
	EventResponderFailed EventType = "responder_failed"
	EventDispatched      EventType = "event_dispatched"
	EventConnectionState EventType = "connection_state"
	EventRoomExhausted   EventType = "room_exhausted"
)

// Drop reasons carried in Event.Reason.
const (
	ReasonDuplicate = "duplicate"
	ReasonOverflow  = "overflow"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	RoomID     string            `json:"room_id"`
	RequestID  string            `json:"request_id,omitempty"`
	EventID    string            `json:"event_id,omitempty"`
	SenderID   string            `json:"sender_id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Category   string            `json:"category,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Correction bool              `json:"correction,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

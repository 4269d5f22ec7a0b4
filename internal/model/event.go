package model

type EventKind string

const (
	EventMessageAppended EventKind = "message_appended"
	EventMessageDeleted  EventKind = "message_deleted"
)

// Event is what the live stream carries: a message that was appended to or
// deleted from a channel log.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message"`
}

func Appended(m Message) Event { return Event{Kind: EventMessageAppended, Message: m} }

func Deleted(m Message) Event { return Event{Kind: EventMessageDeleted, Message: m} }

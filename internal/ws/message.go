package ws

import (
	"github.com/mymydata/internal/model"
)

type EventType string

const (
	// incoming
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventSendMessage EventType = "send_message"

	// outgoing
	EventSnapshot EventType = "snapshot"
	EventError    EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id,omitempty"`
	Content   string    `json:"content,omitempty"`

	// Optional image for send_message, base64 encoded.
	Attachment string `json:"attachment,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// SnapshotPayload is the viewer's whole merge window, oldest first. It is
// sent after every change so clients can simply re-render.
type SnapshotPayload struct {
	ChannelID string          `json:"channel_id"`
	Messages  []model.Message `json:"messages"`
}

type ErrorPayload struct {
	ChannelID string `json:"channel_id,omitempty"`
	Message   string `json:"message"`
}

func errorMessage(channelID, msg string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{ChannelID: channelID, Message: msg}}
}

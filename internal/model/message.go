package model

import "time"

// Author is the role a message was written in.
type Author int

const (
	AuthorUser Author = iota
	AuthorAssistant
)

var authorNames = [...]string{
	AuthorUser:      "사용자",
	AuthorAssistant: "마이데이터 어시스턴트 봇",
}

// Name is the display name stored on messages; DeleteLastOfRole matches on it.
func (a Author) Name() string {
	if a < 0 || int(a) >= len(authorNames) {
		return ""
	}
	return authorNames[a]
}

// Color is the avatar color index shown next to the author's messages.
func (a Author) Color() int { return int(a) }

func (a Author) String() string {
	switch a {
	case AuthorUser:
		return "user"
	case AuthorAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Message is immutable once appended. Sequence is the only ordering and
// de-duplication key inside a channel; Timestamp is informational.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Color     int       `json:"color"`
}

// NewMessage is a message before the log has assigned its id and sequence.
type NewMessage struct {
	ChannelID string
	Timestamp time.Time
	Body      string
	Author    Author
}

// Attachment is optional binary media sent along with a user turn.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

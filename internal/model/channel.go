package model

// Channel is a named conversation scope. LastMessage is derived on every read
// from the message log and is never stored with the channel.
type Channel struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	LastMessage *Message `json:"last_message,omitempty"`
}

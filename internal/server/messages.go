package server

import "encoding/json"

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NotifyFunc delivers a message to a user's live connection, if any.
// The managers emit through it so the state machines stay transport-free.
type NotifyFunc func(userID string, msg ServerMessage)


package crud

import (
	"encoding/json"
)

// Message type discriminators shared by field and view channel payloads.
const (
	MessageCreate = "create"
	MessageUpdate = "update"
	MessageDelete = "delete"
)

// View message actions for the update type.
const (
	ActionMove   = "move"
	ActionRemove = "remove"
	ActionAdd    = "add"
)

// ViewMessage is the payload published on view channels.
type ViewMessage struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	ID     string `json:"id"`
}

func (m ViewMessage) encode() []byte {
	payload, _ := json.Marshal(m)
	return payload
}

// fieldUpdatePayload encodes a field channel update. The value key is always
// present; an absent value is published as null.
func fieldUpdatePayload(value interface{}) []byte {
	payload, err := json.Marshal(map[string]interface{}{
		"type":  MessageUpdate,
		"value": value,
	})
	if err != nil {
		// Unencodable values degrade to null, matching canonical channel
		// parameter handling.
		payload, _ = json.Marshal(map[string]interface{}{
			"type":  MessageUpdate,
			"value": nil,
		})
	}
	return payload
}

// fieldDeletePayload encodes a field channel deletion.
func fieldDeletePayload() []byte {
	return []byte(`{"type":"delete"}`)
}

package transport

import "encoding/json"

// Socket events understood by the server. The hash-prefixed events address
// channels directly; the bare events are CRUD calls.
const (
	EventCreate      = "create"
	EventRead        = "read"
	EventUpdate      = "update"
	EventDelete      = "delete"
	EventSubscribe   = "#subscribe"
	EventUnsubscribe = "#unsubscribe"
	EventPublish     = "#publish"
)

// ClientFrame is a single inbound message. CID is the client's correlation
// id; a frame without one receives no reply.
type ClientFrame struct {
	Event string          `json:"event"`
	CID   *int64          `json:"cid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReplyFrame answers a correlated client frame.
type ReplyFrame struct {
	RID   int64       `json:"rid"`
	Error *FrameError `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// PushFrame carries a channel message to a subscribed client.
type PushFrame struct {
	Event string      `json:"event"`
	Data  ChannelData `json:"data"`
}

// ChannelData pairs a channel name with its payload.
type ChannelData struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FrameError is the wire form of a request failure.
type FrameError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// channelRequest is the data body of #subscribe, #unsubscribe and #publish.
type channelRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
)

var msgCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	return newMessage(MsgTypeReq, fmt.Sprintf("req-%d", msgCounter.Add(1)), method, data)
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	return newMessage(MsgTypeRes, reqID, method, data)
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: errMsg}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	return newMessage(MsgTypeEvt, fmt.Sprintf("evt-%d", msgCounter.Add(1)), method, data)
}

func newMessage(typ MsgType, id, method string, data any) (Message, error) {
	msg := Message{Type: typ, ID: id, Method: method}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", method, err)
	}
	msg.Data = raw
	return msg, nil
}

// UnmarshalData decodes the message payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Method)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Method, err)
	}
	return nil
}

// Methods
const (
	MethodPing        = "Ping"
	MethodStatus      = "Status"
	MethodRecentRolls = "RecentRolls"

	EventRollNew        = "roll.new"
	EventSegmentRotated = "segment.rotated"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong bool `json:"pong"`
}

// SegmentStatus describes the open (or just closed) log segment.
type SegmentStatus struct {
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`
	Rows     int       `json:"rows"`
}

// StatusResponse is the daemon's state snapshot.
type StatusResponse struct {
	Version          string          `json:"version"`
	URL              string          `json:"url"`
	StartedAt        time.Time       `json:"started_at"`
	Phase            string          `json:"phase"`
	Sequencer        string          `json:"sequencer"`
	Segment          *SegmentStatus  `json:"segment,omitempty"`
	LastRoll         *core.RollEvent `json:"last_roll,omitempty"`
	Rolls            int             `json:"rolls"`
	Rotations        int             `json:"rotations"`
	Deliveries       int             `json:"deliveries"`
	Undelivered      int             `json:"undelivered"`
	RotationInterval string          `json:"rotation_interval"`
}

// RecentRollsRequest is the payload for RecentRolls.
type RecentRollsRequest struct {
	Limit int `json:"limit"` // 0 means all retained
}

// RecentRollsResponse lists rolls oldest first.
type RecentRollsResponse struct {
	Rolls []core.RollEvent `json:"rolls"`
}

// RotationEvent is pushed when a segment is rotated.
type RotationEvent struct {
	Closed    SegmentStatus `json:"closed"`
	Opened    SegmentStatus `json:"opened"`
	Delivered bool          `json:"delivered"`
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// DeviceID used by cloud viewers instead of a MAC when addressing the
// camera subsystem.
const CameraDeviceID = "camera"

// ErrMalformedEnvelope is returned by Decode for anything that is not a
// valid envelope: broken JSON, missing required fields or a device id
// that is neither a MAC nor "camera".
var ErrMalformedEnvelope = errors.New("malformed envelope")

var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}[:-]){5}[0-9a-fA-F]{2}$`)

type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// Message is the single envelope crossing the uplink and MQTT.
type Message struct {
	MessageID    string         `json:"message_id"`
	MessageType  MessageType    `json:"message_type"`
	MessageEvent MessageEvent   `json:"message_event"`
	DeviceID     string         `json:"device_id"`
	Payload      map[string]any `json:"payload"`
}

// Decode parses and validates an envelope. Unknown message events are
// accepted as opaque strings so the router can ignore them without a
// hard failure. A missing or null payload decodes to an empty map.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if m.MessageID == "" || m.MessageType == "" || m.MessageEvent == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrMalformedEnvelope)
	}
	if !ValidDeviceID(m.DeviceID) {
		return nil, fmt.Errorf("%w: invalid device_id %q", ErrMalformedEnvelope, m.DeviceID)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return &m, nil
}

// Encode serializes the envelope. A nil payload is written as {}.
func (m *Message) Encode() ([]byte, error) {
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return json.Marshal(m)
}

// ValidDeviceID reports whether id is a canonical MAC address or the
// literal camera id.
func ValidDeviceID(id string) bool {
	return id == CameraDeviceID || macPattern.MatchString(id)
}

// String returns a payload field as a string, or "" when absent or of
// another type.
func (m *Message) String(key string) string {
	v, _ := m.Payload[key].(string)
	return v
}

// NewDeviceDisconnect builds the request the hub synthesizes when a TCP
// device goes away.
func NewDeviceDisconnect(mac string) *Message {
	return &Message{
		MessageID:    uuid.NewString(),
		MessageType:  TypeRequest,
		MessageEvent: EventDeviceDisconnect,
		DeviceID:     mac,
		Payload:      map[string]any{},
	}
}

// NewHealthCheck builds a health check request for a device.
func NewHealthCheck(mac string) *Message {
	return &Message{
		MessageID:    uuid.NewString(),
		MessageType:  TypeRequest,
		MessageEvent: EventHealthCheck,
		DeviceID:     mac,
		Payload:      map[string]any{},
	}
}

package ws

import "encoding/json"

// FrameType represents the type of a monitor frame.
type FrameType string

const (
	FrameTypeEvent FrameType = "event"
	FrameTypeHello FrameType = "hello"
)

// Frame is what the monitor stream sends to observers.
type Frame struct {
	Type       FrameType       `json:"type"`
	Event      string          `json:"event,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewEventFrame creates a Frame for broadcasting an event.
func NewEventFrame(event string, instanceID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:       FrameTypeEvent,
		Event:      event,
		InstanceID: instanceID,
		Payload:    data,
	}, nil
}

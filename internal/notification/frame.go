package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type FrameType string

const (
	FrameNotification FrameType = "notification"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameConnected    FrameType = "connected"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the JSON envelope on the push connection:
//
//	{"type":"notification","payload":{...}}
//
// Only notification frames carry a payload.
type Frame struct {
	Type    FrameType `json:"type"`
	Payload *Message  `json:"payload,omitempty"`
}

// Known reports whether t is one of the four frame types.
func (t FrameType) Known() bool {
	switch t {
	case FrameNotification, FramePing, FramePong, FrameConnected:
		return true
	}
	return false
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.Type = FrameType(strings.TrimSpace(string(f.Type)))
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if f.Type == FrameNotification && f.Payload == nil {
		return Frame{}, fmt.Errorf("%w: notification without payload", ErrMalformedFrame)
	}
	return f, nil
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return json.Marshal(f)
}

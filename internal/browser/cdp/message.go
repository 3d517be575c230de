package cdp

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	json "github.com/json-iterator/go"
)

var (
	// ErrClosed is returned for any command or subscription touched after the
	// connection went away, whether it was closed locally or lost.
	ErrClosed = errors.New("cdp: connection closed")
	// ErrCommandTimeout is returned when no reply arrives within the per-command timeout.
	ErrCommandTimeout = errors.New("cdp: command timed out")
)

// Message is a single frame on the wire: a command, a reply, or an event.
// Commands and replies carry ID; events carry Method and no ID.
type Message struct {
	ID        int64              `json:"id,omitempty"`
	SessionID target.SessionID   `json:"sessionId,omitempty"`
	Method    cdproto.MethodType `json:"method,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     *ProtocolError     `json:"error,omitempty"`
}

// IsEvent reports whether the frame is an unsolicited notification.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Method != ""
}

// Decode unmarshals the event params into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", m.Method, err)
	}
	return nil
}

// ProtocolError is an error reply returned by the browser for a command.
type ProtocolError struct {
	Code    int64              `json:"code"`
	Message string             `json:"message"`
	Data    string             `json:"data,omitempty"`
	Method  cdproto.MethodType `json:"-"`
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: protocol error %d: %s", e.Method, e.Code, e.Message)
	if e.Data != "" {
		msg += " (" + e.Data + ")"
	}
	return msg
}

// decodeMessage parses one inbound frame. A frame must be a JSON object
// that is either a reply (positive id) or an event (method set).
func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.ID < 0 {
		return nil, fmt.Errorf("malformed frame: negative id %d", msg.ID)
	}
	if msg.ID == 0 && msg.Method == "" {
		return nil, errors.New("malformed frame: neither id nor method")
	}
	return &msg, nil
}

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the envelope's type discriminator.
type MessageType string

const (
	TypeAccept MessageType = "CALL_ACCEPT"
	TypeReject MessageType = "CALL_REJECT"
	TypeCancel MessageType = "CALL_CANCEL"
	TypeEnd    MessageType = "CALL_END"

	// Server originated only.
	TypeInvite  MessageType = "CALL_INVITE"
	TypeTimeout MessageType = "CALL_TIMEOUT"
	TypeFailed  MessageType = "CALL_FAILED"
	TypeError   MessageType = "ERROR"
)

// Inbound reports whether a client may send this type.
func (t MessageType) Inbound() bool {
	switch t {
	case TypeAccept, TypeReject, TypeCancel, TypeEnd:
		return true
	default:
		return false
	}
}

// Envelope is the JSON frame used in both directions on the channel.
// Status always carries the session state as the server saw it when the
// frame was built.
type Envelope struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	CallerID   string      `json:"callerId,omitempty"`
	ReceiverID string      `json:"receiverId,omitempty"`
	Status     string      `json:"status,omitempty"`

	Version int64  `json:"version,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
}

var ErrMalformed = errors.New("signaling: malformed envelope")

// Decode parses one inbound frame and checks it is something a client may send.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	e.Type = MessageType(strings.ToUpper(strings.TrimSpace(string(e.Type))))
	e.SessionID = strings.TrimSpace(e.SessionID)
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) Validate() error {
	if !e.Type.Inbound() {
		return fmt.Errorf("%w: unsupported type %q", ErrMalformed, e.Type)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrMalformed)
	}
	return nil
}

func marshalEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" || e.SessionID == "" {
		return nil, fmt.Errorf("%w: type and sessionId are required", ErrMalformed)
	}
	return json.Marshal(e)
}

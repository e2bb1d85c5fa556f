// Package message defines the wire unit exchanged between the supervisor and
// its subsystems. Messages are always copied across process boundaries as JSON,
// so a subsystem never shares memory with the supervisor or with another
// subsystem.
//
// A request carries a job id allocated by its sender. The matching response
// carries the same job id and is addressed back to the original sender:
//
//	{to: "storage", from: "supervisor", type: "request", jobId: 7, action: "SAVE"}
//	{to: "supervisor", from: "storage", type: "response", jobId: 7, payload: null}
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the kind of a message.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeBroadcast Type = "broadcast"
)

// Validate checks that the type is one of the defined enum values.
func (t Type) Validate() error {
	switch t {
	case TypeRequest, TypeResponse, TypeBroadcast:
		return nil
	default:
		return fmt.Errorf("invalid message type: %q (must be request, response or broadcast)", t)
	}
}

// SupervisorName is the address of the supervising process.
const SupervisorName = "supervisor"

// Actions every subsystem must understand.
const (
	ActionInit = "init"
	ActionStop = "stop"
)

// ActionSupervisorFault is sent by a subsystem to the supervisor when a
// dependency it cannot work without became unreachable.
const ActionSupervisorFault = "SUPERVISOR_FAULT"

// Message is the inter-process communication unit.
type Message struct {
	To      string          `json:"to"`
	From    string          `json:"from"`
	Type    Type            `json:"type"`
	JobID   int64           `json:"jobId,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of a response reporting a failure.
type ErrorPayload struct {
	Error string `json:"error"`
}

var nullPayload = []byte("null")

// NewRequest builds a request message. The job id is assigned by the sender
// when the request is dispatched.
func NewRequest(to, from, action string, payload any) (*Message, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{To: to, From: from, Type: TypeRequest, Action: action, Payload: raw}, nil
}

// NewBroadcast builds a broadcast message from the given sender.
func NewBroadcast(from, action string, payload any) (*Message, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{From: from, Type: TypeBroadcast, Action: action, Payload: raw}, nil
}

// Reply builds the response answering m, addressed back to its sender.
func (m *Message) Reply(payload any) (*Message, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      m.From,
		From:    m.To,
		Type:    TypeResponse,
		JobID:   m.JobID,
		Action:  m.Action,
		Payload: raw,
	}, nil
}

// Failure builds the response answering m with an error payload.
func (m *Message) Failure(err error) *Message {
	raw, _ := json.Marshal(ErrorPayload{Error: err.Error()})
	return &Message{
		To:      m.From,
		From:    m.To,
		Type:    TypeResponse,
		JobID:   m.JobID,
		Action:  m.Action,
		Payload: raw,
	}
}

// Validate performs structural validation of a message received from the wire.
func (m *Message) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	if m.From == "" {
		return errors.New("message sender is required")
	}
	switch m.Type {
	case TypeRequest:
		if m.To == "" {
			return errors.New("request recipient is required")
		}
		if m.JobID <= 0 {
			return fmt.Errorf("request job id must be positive, got %d", m.JobID)
		}
	case TypeResponse:
		if m.To == "" {
			return errors.New("response recipient is required")
		}
		if m.JobID <= 0 {
			return fmt.Errorf("response job id must be positive, got %d", m.JobID)
		}
	}
	return nil
}

// IsNull reports whether the payload is absent or JSON null. Status responses
// use a null payload to signal success.
func (m *Message) IsNull() bool {
	p := bytes.TrimSpace(m.Payload)
	return len(p) == 0 || bytes.Equal(p, nullPayload)
}

// Err returns the error carried by a response payload, or nil when the
// payload is null or carries data.
func (m *Message) Err() error {
	if m.IsNull() {
		return nil
	}

	var ep ErrorPayload
	if err := json.Unmarshal(m.Payload, &ep); err == nil && ep.Error != "" {
		return errors.New(ep.Error)
	}

	var s string
	if err := json.Unmarshal(m.Payload, &s); err == nil {
		return errors.New(s)
	}

	return nil
}

// StatusErr is the check used for status actions such as init: any non-null
// payload is a failure.
func (m *Message) StatusErr() error {
	if m.IsNull() {
		return nil
	}
	if err := m.Err(); err != nil {
		return err
	}
	return fmt.Errorf("unexpected payload: %s", string(m.Payload))
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if m.IsNull() {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Action, err)
	}
	return nil
}

// EncodePayload marshals v, passing raw JSON through unchanged. A nil value
// encodes as a null payload.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(nullPayload), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(nullPayload), nil
		}
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

// Marshal encodes a message for transport.
func Marshal(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a message received from transport.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &m, nil
}

// Clone returns a deep copy of m by round-tripping it through JSON.
func Clone(m *Message) (*Message, error) {
	data, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	var c Message
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &c, nil
}

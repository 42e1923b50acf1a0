package protocol

import (
	"encoding/json"
	"time"

	"github.com/m4xw311/qtspy/errors"
)

// Properties maps property names to JSON-typed values.
type Properties map[string]any

// Node is the serialized form of one tracked object.
type Node struct {
	ID         string     `json:"id"`
	ParentID   string     `json:"parentId,omitempty"`
	ClassName  string     `json:"className"`
	ObjectName string     `json:"objectName,omitempty"`
	Address    string     `json:"address,omitempty"`
	ChildIDs   []string   `json:"childIds,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// Message is the tagged union of every frame in the catalog. Type selects which
// of the remaining fields are meaningful.
type Message struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`

	// attach / hello / snapshot
	ProtocolVersion *int   `json:"protocolVersion,omitempty"`
	ClientName      string `json:"clientName,omitempty"`
	ServerName      string `json:"serverName,omitempty"`
	ApplicationName string `json:"applicationName,omitempty"`
	ApplicationPid  int64  `json:"applicationPid,omitempty"`

	// node addressing
	ID       string `json:"id,omitempty"`
	ParentID string `json:"parentId,omitempty"`

	Node      *Node    `json:"node,omitempty"`
	Nodes     []Node   `json:"nodes,omitempty"`
	RootIDs   []string `json:"rootIds,omitempty"`
	Selection string   `json:"selection,omitempty"`

	Properties Properties `json:"properties,omitempty"`
	Changed    []string   `json:"changed,omitempty"`

	// error
	Code    string         `json:"code,omitempty"`
	Text    string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`

	// Raw is the payload the message was decoded from, kept so unrecognized
	// types can be surfaced without loss.
	Raw json.RawMessage `json:"-"`
}

// MarshalJSON always writes the collections a frame type requires, so an empty
// graph still carries "nodes":[] and "rootIds":[] and an object without
// properties still carries "properties":{}.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire Message
	switch m.Type {
	case TypeSnapshot:
		return json.Marshal(struct {
			wire
			Nodes   []Node   `json:"nodes"`
			RootIDs []string `json:"rootIds"`
		}{wire(m), nonNil(m.Nodes), nonNil(m.RootIDs)})
	case TypeProperties:
		return json.Marshal(struct {
			wire
			Properties Properties `json:"properties"`
		}{wire(m), nonNilProps(m.Properties)})
	case TypePropertiesChanged:
		return json.Marshal(struct {
			wire
			Properties Properties `json:"properties"`
			Changed    []string   `json:"changed"`
		}{wire(m), nonNilProps(m.Properties), nonNil(m.Changed)})
	}
	return json.Marshal(wire(m))
}

// MarshalJSON always writes childIds and properties.
func (n Node) MarshalJSON() ([]byte, error) {
	type wire Node
	return json.Marshal(struct {
		wire
		ChildIDs   []string   `json:"childIds"`
		Properties Properties `json:"properties"`
	}{wire(n), nonNil(n.ChildIDs), nonNilProps(n.Properties)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilProps(p Properties) Properties {
	if p == nil {
		return Properties{}
	}
	return p
}

// Known reports whether the message type is part of the catalog.
func (m *Message) Known() bool { return IsKnownType(m.Type) }

// Version returns the carried protocol version, or -1 when absent.
func (m *Message) Version() int {
	if m.ProtocolVersion == nil {
		return -1
	}
	return *m.ProtocolVersion
}

// IntPtr is a convenience for ProtocolVersion literals.
func IntPtr(v int) *int { return &v }

// Now returns the current wall clock in milliseconds, as carried in timestampMs.
func Now() int64 { return time.Now().UnixMilli() }

// ErrMissingType is returned by Decode for JSON objects without a "type".
var ErrMissingType = errors.New("message missing 'type'")

// SyntaxError is returned by Decode when the payload is not a JSON object.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return "unable to parse message: " + e.Err.Error() }

func (e *SyntaxError) Unwrap() error { return e.Err }

// Decode parses one frame payload. Unknown types decode successfully; their
// payload is available in Raw.
func Decode(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &SyntaxError{Err: err}
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}
	m.Raw = append(json.RawMessage(nil), payload...)
	return &m, nil
}

// Encode marshals a message to its JSON payload (without the frame header).
func Encode(m *Message) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %s message", m.Type)
	}
	return data, nil
}

// Package bridge is the client end of the qtspy protocol: it dials an agent
// endpoint, decodes the frame stream into typed events and offers helpers for
// every request the protocol defines.
package bridge

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/protocol"
)

// Kind classifies an Event.
type Kind int

const (
	Hello Kind = iota
	Snapshot
	Properties
	SelectionAck
	NodeAdded
	NodeRemoved
	PropertiesChanged
	Error
	Goodbye
	// Generic carries any frame whose type is not in the catalog.
	Generic
	// ParseError reports a frame that could not be decoded. The connection
	// stays up.
	ParseError
	// Disconnected is the last event of a connection.
	Disconnected
)

var kindNames = map[Kind]string{
	Hello:             "hello",
	Snapshot:          "snapshot",
	Properties:        "properties",
	SelectionAck:      "selectionAck",
	NodeAdded:         "nodeAdded",
	NodeRemoved:       "nodeRemoved",
	PropertiesChanged: "propertiesChanged",
	Error:             "error",
	Goodbye:           "goodbye",
	Generic:           "generic",
	ParseError:        "parseError",
	Disconnected:      "disconnected",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one decoded frame or connection state change.
type Event struct {
	Kind    Kind
	Message *protocol.Message
	// Payload is the raw JSON for frame events.
	Payload []byte
	// Err is set for ParseError and, on abnormal close, for Disconnected.
	Err error
}

// Classify maps a message type to its event kind.
func Classify(m *protocol.Message) Kind {
	switch m.Type {
	case protocol.TypeHello:
		return Hello
	case protocol.TypeSnapshot:
		return Snapshot
	case protocol.TypeProperties:
		return Properties
	case protocol.TypeSelectionAck:
		return SelectionAck
	case protocol.TypeNodeAdded:
		return NodeAdded
	case protocol.TypeNodeRemoved:
		return NodeRemoved
	case protocol.TypePropertiesChanged:
		return PropertiesChanged
	case protocol.TypeError:
		return Error
	case protocol.TypeGoodbye:
		return Goodbye
	}
	return Generic
}

// Client is a connection to one agent.
type Client struct {
	conn     net.Conn
	endpoint string

	mu sync.Mutex
	w  *bufio.Writer

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// DefaultDialTimeout bounds Dial when the context has no deadline.
const DefaultDialTimeout = 2 * time.Second

// Dial connects to the named endpoint in dir. Failures are returned as
// *errors.ConnectionError.
func Dial(ctx context.Context, dir, endpoint string) (*Client, error) {
	path, err := protocol.SocketPath(dir, endpoint)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.ClassifyConnection(endpoint, err)
	}
	return NewClient(conn, endpoint), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn net.Conn, endpoint string) *Client {
	c := &Client{
		conn:     conn,
		endpoint: endpoint,
		w:        bufio.NewWriter(conn),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Endpoint returns the name this client dialed.
func (c *Client) Endpoint() string { return c.endpoint }

// Events delivers decoded frames in arrival order. The channel is closed after
// the Disconnected event.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	var dec protocol.Decoder
	buf := make([]byte, 64<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			payloads, ferr := dec.Feed(buf[:n])
			for _, p := range payloads {
				if !c.emit(decodeEvent(p)) {
					return
				}
			}
			if ferr != nil {
				c.conn.Close()
				c.emit(Event{Kind: Disconnected, Err: errors.ClassifyConnection(c.endpoint, ferr)})
				return
			}
		}
		if err != nil {
			var cause error
			select {
			case <-c.done:
			default:
				cause = errors.ClassifyConnection(c.endpoint, err)
			}
			c.emit(Event{Kind: Disconnected, Err: cause})
			return
		}
	}
}

func decodeEvent(payload []byte) Event {
	m, err := protocol.Decode(payload)
	if err != nil {
		return Event{Kind: ParseError, Payload: payload, Err: err}
	}
	return Event{Kind: Classify(m), Message: m, Payload: payload}
}

// Close drops the connection. Pending events are discarded.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Send frames and flushes m.
func (c *Client) Send(m *protocol.Message) error {
	frame, err := protocol.EncodeFrame(m)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// SendRaw frames an already-serialized JSON payload.
func (c *Client) SendRaw(payload []byte) error {
	if len(payload) > protocol.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}
	return c.write(protocol.AppendFrame(nil, payload))
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return errors.ClassifyConnection(c.endpoint, err)
	}
	if err := c.w.Flush(); err != nil {
		return errors.ClassifyConnection(c.endpoint, err)
	}
	return nil
}

// SendAttach starts the handshake.
func (c *Client) SendAttach(clientName string, version int) error {
	return c.Send(&protocol.Message{Type: protocol.TypeAttach, ProtocolVersion: protocol.IntPtr(version), ClientName: clientName})
}

// SendDetach asks the agent to end the session.
func (c *Client) SendDetach(requestID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeDetach, RequestID: requestID})
}

// RequestSnapshot asks for the full tree.
func (c *Client) RequestSnapshot(requestID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeSnapshotRequest, RequestID: requestID})
}

// RequestProperties asks for one node's properties.
func (c *Client) RequestProperties(id, requestID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypePropertiesRequest, ID: id, RequestID: requestID})
}

// SelectNode records a selection on the agent.
func (c *Client) SelectNode(id, requestID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeSelectNode, ID: id, RequestID: requestID})
}

// Package session implements the per-connection state machine of the resident
// agent: the attach handshake, snapshot/properties/selection requests, and the
// live stream of structural and property change events.
//
// A Session is owned by the agent's loop goroutine. Every method must be called
// from that goroutine.
package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
	"github.com/m4xw311/qtspy/protocol"
)

// State is the attach state of a session.
type State int

const (
	AwaitingAttach State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingAttach:
		return "awaiting-attach"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is the write side of a session's connection.
type Transport interface {
	// Send frames and flushes m. Failures are the transport's to report.
	Send(m *protocol.Message)
	// CloseWrite half-closes the connection after pending writes.
	CloseWrite()
	// Close drops the connection.
	Close()
}

// DefaultRescanInterval is how often roots are re-enumerated while active.
const DefaultRescanInterval = time.Second

// Options configure a session.
type Options struct {
	ServerName     string
	RescanInterval time.Duration
	Logger         *zap.Logger
	// OnClosed runs once when the session reaches Closed.
	OnClosed func(*Session)
}

// Session serves one connected client.
type Session struct {
	host objgraph.Host
	tr   Transport
	loop *loop.Loop
	opts Options
	log  *zap.Logger

	state     State
	version   int
	ids       *registry
	tracker   *tracker
	selection string
	rescan    *loop.Timer
}

// New returns a session in AwaitingAttach.
func New(host objgraph.Host, tr Transport, l *loop.Loop, opts Options) *Session {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		host:  host,
		tr:    tr,
		loop:  l,
		opts:  opts,
		log:   log,
		state: AwaitingAttach,
		ids:   newRegistry(),
	}
	s.tracker = newTracker(s)
	return s
}

// State returns the current attach state.
func (s *Session) State() State { return s.state }

// Selection returns the currently selected id, or "".
func (s *Session) Selection() string { return s.selection }

// HandlePayload decodes one frame payload and dispatches it.
func (s *Session) HandlePayload(payload []byte) {
	if s.state == Closed {
		return
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		var syntax *protocol.SyntaxError
		if errors.As(err, &syntax) {
			s.sendError(errors.CodeInvalidJSON, syntax.Error(), nil)
			return
		}
		s.sendError(errors.CodeInvalidMessage, "message missing 'type'", nil)
		return
	}
	s.Handle(msg)
}

// Handle dispatches a decoded message according to the current state.
func (s *Session) Handle(msg *protocol.Message) {
	switch s.state {
	case Closed:
		return
	case AwaitingAttach:
		if msg.Type != protocol.TypeAttach {
			s.replyError(msg, errors.CodeHandshakeRequired, "attach required before other requests", nil)
			return
		}
		s.handleAttach(msg)
		return
	}

	switch msg.Type {
	case protocol.TypeAttach:
		s.replyError(msg, errors.CodeAlreadyAttached, "session already attached", nil)
	case protocol.TypeDetach:
		s.handleDetach(msg)
	case protocol.TypeSnapshotRequest:
		s.handleSnapshot(msg)
	case protocol.TypePropertiesRequest:
		s.handleProperties(msg)
	case protocol.TypeSelectNode:
		s.handleSelect(msg)
	default:
		s.replyError(msg, errors.CodeUnknownMessage, fmt.Sprintf("unsupported message type: %s", msg.Type), nil)
	}
}

// Disconnected tears the session down after the peer went away.
func (s *Session) Disconnected() {
	if s.state == Closed {
		return
	}
	s.log.Debug("client disconnected", zap.Stringer("state", s.state))
	s.teardown()
}

// Close forcibly ends the session, as when the agent stops.
func (s *Session) Close() {
	if s.state == Closed {
		return
	}
	s.teardown()
	s.tr.Close()
}

func (s *Session) handleAttach(msg *protocol.Message) {
	client := msg.Version()
	if client != protocol.Version {
		mismatch := &errors.VersionMismatchError{Server: protocol.Version, Client: client}
		s.log.Warn("rejecting attach", zap.Error(mismatch), zap.String("client", msg.ClientName))
		s.replyError(msg, mismatch.Code(), mismatch.Error(), map[string]any{
			"serverVersion": protocol.Version,
			"clientVersion": client,
		})
		s.teardown()
		s.tr.Close()
		return
	}

	s.version = client
	s.state = Active
	s.log.Info("client attached", zap.String("client", msg.ClientName))
	s.send(&protocol.Message{
		Type:            protocol.TypeHello,
		RequestID:       msg.RequestID,
		ProtocolVersion: protocol.IntPtr(protocol.Version),
		ServerName:      s.opts.ServerName,
		ApplicationName: s.host.ApplicationName(),
		ApplicationPid:  int64(s.host.Pid()),
	})

	s.tracker.reconcileRoots(false)
	s.rescan = s.loop.Every(s.opts.RescanInterval, func() {
		if s.state == Active {
			s.tracker.reconcileRoots(true)
		}
	})
}

func (s *Session) handleDetach(msg *protocol.Message) {
	s.send(&protocol.Message{Type: protocol.TypeGoodbye, RequestID: msg.RequestID})
	s.log.Info("client detached")
	s.teardown()
	s.tr.CloseWrite()
}

func (s *Session) handleSnapshot(msg *protocol.Message) {
	roots := s.tracker.reconcileRoots(false)

	var nodes []protocol.Node
	rootIDs := make([]string, 0, len(roots))
	visited := make(map[objgraph.Object]bool)
	var visit func(obj objgraph.Object, parentID string)
	visit = func(obj objgraph.Object, parentID string) {
		if visited[obj] {
			return
		}
		visited[obj] = true
		node := s.serialize(obj, parentID)
		nodes = append(nodes, node)
		for _, child := range obj.Children() {
			visit(child, node.ID)
		}
	}
	for _, root := range roots {
		rootIDs = append(rootIDs, s.ensureID(root))
		visit(root, "")
	}

	s.send(&protocol.Message{
		Type:            protocol.TypeSnapshot,
		RequestID:       msg.RequestID,
		ProtocolVersion: protocol.IntPtr(s.version),
		ServerName:      s.opts.ServerName,
		Nodes:           nodes,
		RootIDs:         rootIDs,
		Selection:       s.selection,
	})
}

func (s *Session) handleProperties(msg *protocol.Message) {
	obj, ok := s.lookup(msg)
	if !ok {
		return
	}
	s.send(&protocol.Message{
		Type:       protocol.TypeProperties,
		RequestID:  msg.RequestID,
		ID:         msg.ID,
		Properties: serializeProperties(obj),
	})
}

func (s *Session) handleSelect(msg *protocol.Message) {
	if _, ok := s.lookup(msg); !ok {
		return
	}
	s.selection = msg.ID
	s.send(&protocol.Message{Type: protocol.TypeSelectionAck, RequestID: msg.RequestID, ID: msg.ID})
}

// lookup resolves the id carried by a request, replying with the matching
// error when it cannot.
func (s *Session) lookup(msg *protocol.Message) (objgraph.Object, bool) {
	if msg.ID == "" {
		s.replyError(msg, errors.CodeInvalidRequest, fmt.Sprintf("%s requires 'id'", msg.Type), nil)
		return nil, false
	}
	obj, ok := s.ids.object(msg.ID)
	if !ok {
		unknown := &errors.UnknownNodeError{ID: msg.ID}
		s.replyError(msg, unknown.Code(), unknown.Error(), map[string]any{"id": msg.ID})
		return nil, false
	}
	return obj, true
}

func (s *Session) ensureID(obj objgraph.Object) string {
	return s.ids.ensure(obj, s.objectDestroyed)
}

func (s *Session) objectDestroyed(obj objgraph.Object) {
	id, _ := s.ids.id(obj)
	s.tracker.untrack(obj, s.state == Active)
	s.tracker.dropRoot(obj)
	s.ids.forget(obj)
	if id != "" && id == s.selection {
		s.selection = ""
	}
}

func (s *Session) serialize(obj objgraph.Object, parentID string) protocol.Node {
	node := protocol.Node{
		ID:         s.ensureID(obj),
		ParentID:   parentID,
		ClassName:  obj.TypeName(),
		ObjectName: obj.Name(),
		Address:    fmt.Sprintf("%p", obj),
		Properties: serializeProperties(obj),
	}
	for _, child := range obj.Children() {
		node.ChildIDs = append(node.ChildIDs, s.ensureID(child))
	}
	return node
}

func serializeProperties(obj objgraph.Introspectable) protocol.Properties {
	props := protocol.Properties{}
	for _, name := range obj.PropertyNames() {
		if v, ok := obj.Property(name); ok {
			props[name] = v
		}
	}
	if names := obj.DynamicPropertyNames(); len(names) > 0 {
		dynamic := make(map[string]any, len(names))
		for _, name := range names {
			if v, ok := obj.Property(name); ok {
				dynamic[name] = v
			}
		}
		props[protocol.DynamicPropertiesKey] = dynamic
	}
	return props
}

func (s *Session) teardown() {
	if s.rescan != nil {
		s.rescan.Stop()
		s.rescan = nil
	}
	s.tracker.clear()
	s.ids.clear()
	s.selection = ""
	s.state = Closed
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s)
	}
}

func (s *Session) send(m *protocol.Message) {
	m.TimestampMs = protocol.Now()
	s.tr.Send(m)
}

func (s *Session) sendError(code, text string, context map[string]any) {
	s.replyError(nil, code, text, context)
}

// replyError sends an error frame carrying the request id of req, so the
// client can match it to the request that caused it.
func (s *Session) replyError(req *protocol.Message, code, text string, context map[string]any) {
	s.log.Debug("protocol error", zap.String("code", code), zap.String("message", text))
	m := &protocol.Message{Type: protocol.TypeError, Code: code, Text: text, Context: context}
	if req != nil {
		m.RequestID = req.RequestID
	}
	s.send(m)
}

package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/bridge"
	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/protocol"
)

// Inspector is a synchronous view of one attached agent.
type Inspector interface {
	Snapshot(ctx context.Context) (*protocol.Message, error)
	Properties(ctx context.Context, id string) (*protocol.Message, error)
	Select(ctx context.Context, id string) (*protocol.Message, error)
	// Changes drains the change events received since the last call.
	Changes() []*protocol.Message
}

// maxBufferedChanges bounds the change backlog; older events are dropped.
const maxBufferedChanges = 1000

// AgentSession implements Inspector over a bridge connection by correlating
// replies to requests through their requestId.
type AgentSession struct {
	client *bridge.Client
	log    *zap.Logger

	hello  chan *protocol.Message
	closed chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending map[string]chan *protocol.Message
	changes []*protocol.Message
	info    *protocol.Message
	err     error
}

// Attach dials endpoint, performs the handshake and returns a ready session.
func Attach(ctx context.Context, dir, endpoint, clientName string, log *zap.Logger) (*AgentSession, error) {
	c, err := bridge.Dial(ctx, dir, endpoint)
	if err != nil {
		return nil, err
	}
	s := newAgentSession(c, log)
	if err := s.handshake(ctx, clientName); err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

func newAgentSession(c *bridge.Client, log *zap.Logger) *AgentSession {
	if log == nil {
		log = zap.NewNop()
	}
	s := &AgentSession{
		client:  c,
		log:     log.With(zap.String("endpoint", c.Endpoint())),
		hello:   make(chan *protocol.Message, 1),
		closed:  make(chan struct{}),
		pending: make(map[string]chan *protocol.Message),
	}
	go s.readLoop()
	return s
}

func (s *AgentSession) handshake(ctx context.Context, clientName string) error {
	if err := s.client.SendAttach(clientName, protocol.Version); err != nil {
		return err
	}
	select {
	case m := <-s.hello:
		if m.Type == protocol.TypeError {
			return &errors.ProtocolError{Code: m.Code, Message: m.Text}
		}
		s.mu.Lock()
		s.info = m
		s.mu.Unlock()
		s.log.Info("attached", zap.String("app", m.ApplicationName), zap.Int64("pid", m.ApplicationPid))
		return nil
	case <-s.closed:
		return s.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns the hello the agent sent, or nil before the handshake.
func (s *AgentSession) Info() *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *AgentSession) readLoop() {
	defer close(s.closed)
	for ev := range s.client.Events() {
		switch ev.Kind {
		case bridge.Disconnected:
			s.mu.Lock()
			s.err = ev.Err
			s.mu.Unlock()
			return
		case bridge.ParseError:
			s.log.Warn("unparseable frame from agent", zap.Error(ev.Err))
		case bridge.Hello:
			s.offerHello(ev.Message)
		case bridge.NodeAdded, bridge.NodeRemoved, bridge.PropertiesChanged:
			s.mu.Lock()
			s.changes = append(s.changes, ev.Message)
			if over := len(s.changes) - maxBufferedChanges; over > 0 {
				s.changes = s.changes[over:]
			}
			s.mu.Unlock()
		default:
			if s.deliver(ev.Message) || ev.Kind != bridge.Error {
				continue
			}
			// An error without a known request id goes to the oldest request
			// still waiting, or to the handshake when nothing is.
			if !s.deliverOldest(ev.Message) {
				s.offerHello(ev.Message)
			}
		}
	}
}

func (s *AgentSession) offerHello(m *protocol.Message) {
	select {
	case s.hello <- m:
	default:
	}
}

func (s *AgentSession) deliver(m *protocol.Message) bool {
	if m.RequestID == "" {
		return false
	}
	s.mu.Lock()
	ch, ok := s.pending[m.RequestID]
	delete(s.pending, m.RequestID)
	s.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

func (s *AgentSession) deliverOldest(m *protocol.Message) bool {
	s.mu.Lock()
	var (
		oldest string
		lowest int
	)
	for id := range s.pending {
		var n int
		if _, err := fmt.Sscanf(id, "tool_%d", &n); err != nil {
			continue
		}
		if oldest == "" || n < lowest {
			oldest, lowest = id, n
		}
	}
	ch, ok := s.pending[oldest]
	delete(s.pending, oldest)
	s.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

func (s *AgentSession) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return errors.New("agent connection closed")
}

func (s *AgentSession) request(ctx context.Context, send func(reqID string) error) (*protocol.Message, error) {
	s.mu.Lock()
	s.seq++
	reqID := fmt.Sprintf("tool_%d", s.seq)
	ch := make(chan *protocol.Message, 1)
	s.pending[reqID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	if err := send(reqID); err != nil {
		return nil, err
	}
	select {
	case m := <-ch:
		if m.Type == protocol.TypeError {
			return nil, &errors.ProtocolError{Code: m.Code, Message: m.Text}
		}
		return m, nil
	case <-s.closed:
		return nil, s.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *AgentSession) Snapshot(ctx context.Context) (*protocol.Message, error) {
	return s.request(ctx, s.client.RequestSnapshot)
}

func (s *AgentSession) Properties(ctx context.Context, id string) (*protocol.Message, error) {
	return s.request(ctx, func(reqID string) error { return s.client.RequestProperties(id, reqID) })
}

func (s *AgentSession) Select(ctx context.Context, id string) (*protocol.Message, error) {
	return s.request(ctx, func(reqID string) error { return s.client.SelectNode(id, reqID) })
}

func (s *AgentSession) Changes() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.changes
	s.changes = nil
	return out
}

// Close asks the agent to detach, waits briefly for its goodbye and drops the
// connection.
func (s *AgentSession) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := s.request(ctx, s.client.SendDetach); err != nil {
		s.log.Debug("detach not confirmed", zap.Error(err))
	}
	return s.client.Close()
}

// Package client implements the connection engine of the qtspy command line:
// candidate endpoint rotation, backoff, the one-shot injection fallback,
// deferred select/properties actions and the graceful detach handshake.
//
// The engine runs on a single goroutine. Bridge events and timer expiries are
// delivered to it as messages; every timer carries the epoch in which it was
// armed and is ignored once a later transition has superseded it.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/bridge"
	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/inject"
	"github.com/m4xw311/qtspy/protocol"
)

// State is the connection state of the engine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Attached
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Attached:
		return "attached"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handler receives every agent frame and parse error for display.
type Handler interface {
	HandleEvent(ev bridge.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(bridge.Event)

func (f HandlerFunc) HandleEvent(ev bridge.Event) { f(ev) }

// DialFunc opens a bridge connection.
type DialFunc func(ctx context.Context, dir, endpoint string) (*bridge.Client, error)

// Defaults for Options.
const (
	DefaultHelloTimeout  = 5 * time.Second
	DefaultDetachTimeout = 2 * time.Second
	DefaultInjectDelay   = 200 * time.Millisecond
)

// Options configure an Engine.
type Options struct {
	// Candidates are endpoint names in preference order.
	Candidates []string
	Dir        string
	// Pid of the target, needed for injection. Zero if unknown.
	Pid int
	// MaxRetries bounds timed retries; -1 is unbounded.
	MaxRetries    int
	RetryBase     time.Duration
	HelloTimeout  time.Duration
	DetachTimeout time.Duration
	InjectDelay   time.Duration

	// Inject enables the one-shot injection fallback.
	Inject       bool
	AgentLibrary string
	Injector     inject.RemoteCallExecutor

	Select       ActionTarget
	Properties   ActionTarget
	SnapshotOnce bool

	ClientName string
	Handler    Handler
	Logger     *zap.Logger
	Dial       DialFunc
}

type timerKind int

const (
	timerRetry timerKind = iota
	timerReconnect
	timerHello
	timerDetach
)

type timerFire struct {
	kind  timerKind
	epoch uint64
}

// Engine drives one client run.
type Engine struct {
	opts  Options
	log   *zap.Logger
	retry *RetryState

	ctx    context.Context
	timers chan timerFire
	quit   chan struct{}
	epoch  uint64

	state    State
	conn     *bridge.Client
	requests uint64

	injectionAttempted bool

	exiting       bool
	finished      bool
	exitCode      int
	pendingDetach string
}

// New returns an engine. Zero durations take their defaults.
func New(opts Options) *Engine {
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}
	if opts.DetachTimeout <= 0 {
		opts.DetachTimeout = DefaultDetachTimeout
	}
	if opts.InjectDelay <= 0 {
		opts.InjectDelay = DefaultInjectDelay
	}
	if opts.ClientName == "" {
		opts.ClientName = "qtspy"
	}
	if opts.Dial == nil {
		opts.Dial = bridge.Dial
	}
	if opts.Handler == nil {
		opts.Handler = HandlerFunc(func(bridge.Event) {})
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		opts:   opts,
		log:    log,
		retry:  NewRetryState(opts.Candidates, opts.MaxRetries, opts.RetryBase),
		timers: make(chan timerFire),
		quit:   make(chan struct{}),
	}
}

// Run connects and processes events until the run ends, returning the exit
// code. Cancelling ctx starts a graceful shutdown with code 0.
func (e *Engine) Run(ctx context.Context) int {
	e.ctx = context.WithoutCancel(ctx)
	defer close(e.quit)

	cancelled := ctx.Done()
	e.connect()
	for !e.finished {
		var events <-chan bridge.Event
		if e.conn != nil {
			events = e.conn.Events()
		}
		select {
		case <-cancelled:
			cancelled = nil
			e.Shutdown(0)
		case ev, ok := <-events:
			if !ok {
				e.onDisconnected(nil)
				continue
			}
			e.handle(ev)
		case f := <-e.timers:
			if f.epoch != e.epoch {
				continue
			}
			e.fire(f.kind)
		}
	}
	return e.exitCode
}

// supersede invalidates every armed timer.
func (e *Engine) supersede() { e.epoch++ }

func (e *Engine) after(d time.Duration, kind timerKind) {
	f := timerFire{kind: kind, epoch: e.epoch}
	time.AfterFunc(d, func() {
		select {
		case e.timers <- f:
		case <-e.quit:
		}
	})
}

func (e *Engine) fire(kind timerKind) {
	switch kind {
	case timerRetry:
		e.retryTimeout()
	case timerReconnect:
		e.connect()
	case timerHello:
		if e.state == Connected {
			e.log.Warn("no hello from agent after attach", zap.Duration("timeout", e.opts.HelloTimeout))
			e.dropConnection()
			e.scheduleRetry()
		}
	case timerDetach:
		if e.exiting && e.pendingDetach != "" {
			e.log.Warn("timeout waiting for agent goodbye; forcing disconnect")
			e.pendingDetach = ""
			e.finalize()
		}
	}
}

func (e *Engine) nextRequestID() string {
	e.requests++
	return fmt.Sprintf("req_%d", e.requests)
}

func (e *Engine) connect() {
	if e.exiting || e.conn != nil {
		return
	}
	name := e.retry.Current()
	if name == "" {
		e.log.Error("no server names available; aborting")
		e.exit(1)
		return
	}
	e.supersede()
	e.state = Connecting
	e.log.Info("connecting", zap.String("server", name))

	conn, err := e.opts.Dial(e.ctx, e.opts.Dir, name)
	if err != nil {
		e.state = Disconnected
		e.onConnectError(errors.ClassifyConnection(name, err))
		return
	}
	e.conn = conn
	e.state = Connected
	e.retry.Connected()
	e.log.Info("connected", zap.String("server", name))
	if err := conn.SendAttach(e.opts.ClientName, protocol.Version); err != nil {
		e.log.Warn("failed to send attach", zap.Error(err))
	}
	e.after(e.opts.HelloTimeout, timerHello)
}

func (e *Engine) onConnectError(ce *errors.ConnectionError) {
	if e.exiting {
		return
	}
	e.log.Info("connection failed", zap.String("server", ce.Endpoint), zap.String("kind", string(ce.Kind)), zap.Error(ce.Err))

	switch ce.Kind {
	case errors.ConnInvalidName:
		if failed, ok := e.retry.Drop(); ok {
			e.log.Info("trying alternate server name", zap.String("server", e.retry.Current()), zap.String("discarded", failed))
			e.after(0, timerReconnect)
			return
		}
		e.scheduleRetry()
	case errors.ConnNoListener:
		if e.attemptInjection() {
			e.after(e.opts.InjectDelay, timerReconnect)
			return
		}
		if e.injectionSpent() {
			if failed, ok := e.retry.Rotate(); ok {
				e.log.Info("trying alternate server name", zap.String("server", e.retry.Current()), zap.String("queued", failed))
				e.after(0, timerReconnect)
				return
			}
		}
		e.scheduleRetry()
	default:
		e.log.Error("fatal connection error", zap.Error(ce))
		e.exit(1)
	}
}

// injectionSpent reports whether injection can no longer help: it was tried,
// or it is disabled or impossible for this run.
func (e *Engine) injectionSpent() bool {
	return e.injectionAttempted || !e.opts.Inject || e.opts.Injector == nil || e.opts.Pid <= 0 || e.opts.AgentLibrary == ""
}

func (e *Engine) attemptInjection() bool {
	if !e.opts.Inject || e.injectionAttempted || e.opts.Injector == nil {
		return false
	}
	e.injectionAttempted = true
	if e.opts.Pid <= 0 {
		e.log.Warn("unable to inject agent without a pid")
		return false
	}
	if e.opts.AgentLibrary == "" {
		e.log.Warn("unable to inject agent: no agent library configured")
		return false
	}
	e.log.Info("injecting agent", zap.Int("pid", e.opts.Pid), zap.String("library", e.opts.AgentLibrary))
	if err := e.opts.Injector.Inject(e.ctx, e.opts.Pid, e.opts.AgentLibrary); err != nil {
		e.log.Warn("agent injection failed", zap.Int("pid", e.opts.Pid), zap.Error(err))
		return false
	}
	e.log.Info("injected agent", zap.Int("pid", e.opts.Pid))
	e.retry.Connected()
	return true
}

func (e *Engine) scheduleRetry() {
	if e.exiting {
		return
	}
	e.dropConnection()
	delay := e.retry.NextDelay()
	e.log.Info("retrying", zap.Duration("delay", delay), zap.Int("attempt", e.retry.Attempt))
	e.after(delay, timerRetry)
}

func (e *Engine) retryTimeout() {
	if e.exiting {
		return
	}
	if e.retry.Exhausted() {
		e.log.Error("exceeded retry limit", zap.Int("max_retries", e.retry.MaxAttempts))
		e.exit(1)
		return
	}
	e.retry.BeginRetry()
	e.connect()
}

func (e *Engine) handle(ev bridge.Event) {
	switch ev.Kind {
	case bridge.Disconnected:
		e.onDisconnected(ev.Err)
		return
	case bridge.Hello:
		e.onHello(ev.Message)
	case bridge.Snapshot:
		e.opts.Handler.HandleEvent(ev)
		e.onSnapshot(ev.Message)
		return
	case bridge.Goodbye:
		e.onGoodbye(ev.Message)
		return
	case bridge.SelectionAck:
		e.log.Info("selection acknowledged", zap.String("id", ev.Message.ID), zap.String("request_id", ev.Message.RequestID))
	case bridge.Error:
		e.log.Warn("agent error", zap.String("code", ev.Message.Code), zap.String("message", ev.Message.Text))
	case bridge.ParseError:
		e.log.Warn("unparseable frame from agent", zap.Error(ev.Err))
	}
	e.opts.Handler.HandleEvent(ev)
}

func (e *Engine) onHello(m *protocol.Message) {
	if e.state != Connected {
		return
	}
	e.supersede()
	e.state = Attached
	e.log.Info("handshake complete",
		zap.String("app", m.ApplicationName),
		zap.Int64("pid", m.ApplicationPid),
		zap.String("server", m.ServerName))

	e.send(func(c *bridge.Client) error { return c.RequestSnapshot(e.nextRequestID()) })
	if e.opts.Select.Pending() && e.opts.Select.Kind == IDTarget {
		e.selectNode(e.opts.Select.ID)
	}
	if e.opts.Properties.Pending() && e.opts.Properties.Kind == IDTarget {
		e.requestProperties(e.opts.Properties.ID)
	}
}

func (e *Engine) onSnapshot(m *protocol.Message) {
	if e.opts.Select.Pending() && e.opts.Select.Kind == FirstRootTarget {
		if id := e.opts.Select.Resolve(m.RootIDs); id != "" {
			e.selectNode(id)
		} else {
			e.log.Warn("no root nodes available for selection")
		}
	}
	if e.opts.Properties.Pending() && e.opts.Properties.Kind == FirstRootTarget {
		if id := e.opts.Properties.Resolve(m.RootIDs); id != "" {
			e.requestProperties(id)
		} else {
			e.log.Warn("no root nodes available for property request")
		}
	}
	if e.opts.SnapshotOnce {
		e.Shutdown(0)
	}
}

func (e *Engine) selectNode(id string) {
	e.send(func(c *bridge.Client) error { return c.SelectNode(id, e.nextRequestID()) })
	e.opts.Select.Complete()
}

func (e *Engine) requestProperties(id string) {
	e.send(func(c *bridge.Client) error { return c.RequestProperties(id, e.nextRequestID()) })
	e.opts.Properties.Complete()
}

func (e *Engine) send(fn func(*bridge.Client) error) {
	if e.conn == nil {
		return
	}
	if err := fn(e.conn); err != nil {
		e.log.Warn("send failed", zap.Error(err))
	}
}

func (e *Engine) onGoodbye(m *protocol.Message) {
	if !e.exiting || e.pendingDetach == "" {
		return
	}
	if m.RequestID != e.pendingDetach {
		e.log.Debug("ignoring goodbye for an earlier request", zap.String("request_id", m.RequestID))
		return
	}
	e.log.Info("agent confirmed detach", zap.String("request_id", m.RequestID))
	e.pendingDetach = ""
	e.finalize()
}

func (e *Engine) onDisconnected(cause error) {
	e.conn = nil
	e.state = Disconnected
	if e.exiting {
		e.pendingDetach = ""
		e.finalize()
		return
	}
	e.supersede()
	e.log.Info("disconnected from server", zap.NamedError("cause", cause))
	e.opts.Select.Rearm()
	e.opts.Properties.Rearm()

	var ce *errors.ConnectionError
	if errors.As(cause, &ce) && ce.Kind == errors.ConnFatal {
		e.log.Error("fatal transport error", zap.Error(ce))
		e.exit(1)
		return
	}
	e.scheduleRetry()
}

func (e *Engine) dropConnection() {
	if e.conn == nil {
		return
	}
	e.conn.Close()
	e.conn = nil
	e.state = Disconnected
	e.opts.Select.Rearm()
	e.opts.Properties.Rearm()
}

// Shutdown requests a graceful exit with code. While attached the agent is
// asked to detach first. Run calls it on context cancellation; it must only be
// called from the engine goroutine.
func (e *Engine) Shutdown(code int) { e.exit(code) }

func (e *Engine) exit(code int) {
	if e.exiting {
		e.exitCode = code
		return
	}
	e.exiting = true
	e.exitCode = code
	e.supersede()
	if e.conn != nil && e.state == Attached {
		e.pendingDetach = e.nextRequestID()
		e.log.Info("requesting agent detach", zap.String("request_id", e.pendingDetach))
		if err := e.conn.SendDetach(e.pendingDetach); err != nil {
			e.log.Warn("failed to send detach", zap.Error(err))
			e.finalize()
			return
		}
		e.after(e.opts.DetachTimeout, timerDetach)
		return
	}
	e.finalize()
}

func (e *Engine) finalize() {
	if e.finished {
		return
	}
	e.finished = true
	e.supersede()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.state = Disconnected
}

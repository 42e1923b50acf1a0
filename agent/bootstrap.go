package agent

import (
	"sync"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
)

// BootState tracks agent startup.
type BootState int

const (
	Idle BootState = iota
	Pending
	Started
)

func (s BootState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Started:
		return "started"
	}
	return "unknown"
}

// Bootstrap starts at most one agent for the process, deferring startup until
// the host loop is running.
type Bootstrap struct {
	host objgraph.Host
	loop *loop.Loop
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	state BootState
	agent *Agent
	err   error
}

// NewBootstrap returns an Idle bootstrap.
func NewBootstrap(host objgraph.Host, l *loop.Loop, opts Options) *Bootstrap {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bootstrap{host: host, loop: l, opts: opts, log: log}
}

// Ensure schedules startup. It is safe to call repeatedly and from any
// goroutine; only the first call from Idle has an effect. If the loop is
// already running the start is posted onto it, otherwise it runs when the
// loop becomes ready.
func (b *Bootstrap) Ensure() {
	b.mu.Lock()
	if b.state != Idle {
		b.mu.Unlock()
		return
	}
	b.state = Pending
	b.mu.Unlock()

	if !b.loop.Ready() {
		b.log.Debug("host loop not running, deferring agent start")
	}
	b.loop.OnReady(b.start)
}

func (b *Bootstrap) start() {
	a := New(b.host, b.loop, b.opts)
	err := a.Listen()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.log.Error("agent failed to start", zap.Error(err))
		b.state = Idle
		b.err = err
		return
	}
	b.state = Started
	b.agent = a
	b.err = nil
}

// State returns the current startup state.
func (b *Bootstrap) State() BootState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Agent returns the started agent, or nil.
func (b *Bootstrap) Agent() *Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agent
}

// Err returns the last startup error.
func (b *Bootstrap) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Shutdown stops the agent if it was started. Call it off the loop goroutine.
func (b *Bootstrap) Shutdown() {
	b.mu.Lock()
	a := b.agent
	b.agent = nil
	b.state = Idle
	b.mu.Unlock()
	if a != nil {
		a.Stop()
	}
}

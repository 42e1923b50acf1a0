package agent

import (
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
	"github.com/m4xw311/qtspy/protocol"
	"github.com/m4xw311/qtspy/session"
)

// Options configure an agent.
type Options struct {
	// ServerName overrides the derived endpoint name.
	ServerName string
	// Dir is the endpoint directory. Defaults to the system temp directory.
	Dir            string
	RescanInterval time.Duration
	Logger         *zap.Logger
}

// Agent accepts inspector connections and runs a session for each.
type Agent struct {
	host objgraph.Host
	loop *loop.Loop
	opts Options
	log  *zap.Logger

	name string
	path string

	mu       sync.Mutex
	listener *net.UnixListener
	accepts  sync.WaitGroup

	// conns is owned by the loop goroutine.
	conns map[*conn]struct{}
}

// New returns an agent for host. Nothing listens until Listen is called.
func New(host objgraph.Host, l *loop.Loop, opts Options) *Agent {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	name := opts.ServerName
	if name == "" {
		name = DefaultServerName(host)
	}
	return &Agent{
		host:  host,
		loop:  l,
		opts:  opts,
		log:   log.With(zap.String("server", name)),
		name:  name,
		conns: make(map[*conn]struct{}),
	}
}

// DefaultServerName derives the endpoint name from the host's application name,
// falling back to the process name and then to the bare pid.
func DefaultServerName(host objgraph.Host) string {
	app := host.ApplicationName()
	if protocol.SanitizeName(app) == "" {
		app = protocol.ProcessName(host.Pid())
	}
	return protocol.EndpointName(app, host.Pid())
}

// ServerName returns the endpoint name clients connect to.
func (a *Agent) ServerName() string { return a.name }

// SocketPath returns the listening socket path, or "" before Listen.
func (a *Agent) SocketPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

// Listening reports whether the listener is open.
func (a *Agent) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener != nil
}

// Listen opens the endpoint. A stale socket file left by a previous process is
// removed first.
func (a *Agent) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}
	path, err := protocol.SocketPath(a.opts.Dir, a.name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove stale socket %s", path)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", path)
	}
	ln.SetUnlinkOnClose(true)
	a.listener = ln
	a.path = path
	a.log.Info("agent listening", zap.String("path", path))

	a.accepts.Add(1)
	go a.acceptLoop(ln)
	return nil
}

func (a *Agent) acceptLoop(ln *net.UnixListener) {
	defer a.accepts.Done()
	for {
		c, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		cn := newConn(c, a.log)
		// Session creation is queued ahead of the reader's first frame.
		if !a.loop.Post(func() { a.open(cn) }) {
			c.Close()
			return
		}
		go cn.readLoop(a)
	}
}

func (a *Agent) open(cn *conn) {
	cn.session = session.New(a.host, cn, a.loop, session.Options{
		ServerName:     a.name,
		RescanInterval: a.opts.RescanInterval,
		Logger:         cn.log,
	})
	a.conns[cn] = struct{}{}
	cn.log.Debug("client connected", zap.Int("sessions", len(a.conns)))
}

// dispatch runs on the loop for every decoded frame.
func (a *Agent) dispatch(cn *conn, payload []byte) {
	if _, ok := a.conns[cn]; !ok {
		return
	}
	cn.session.HandlePayload(payload)
}

// drop runs on the loop once a connection's reader has finished.
func (a *Agent) drop(cn *conn) {
	if _, ok := a.conns[cn]; !ok {
		return
	}
	delete(a.conns, cn)
	cn.session.Disconnected()
	cn.Close()
	cn.log.Debug("client dropped", zap.Int("sessions", len(a.conns)))
}

// SessionCount returns the number of live sessions. Call it on the loop.
func (a *Agent) SessionCount() int { return len(a.conns) }

// Stop closes the listener and every session. It must not be called from the
// loop goroutine.
func (a *Agent) Stop() {
	a.mu.Lock()
	ln := a.listener
	a.listener = nil
	a.mu.Unlock()
	if ln == nil {
		return
	}
	ln.Close()
	a.accepts.Wait()
	a.loop.Do(a.closeAll)
	a.log.Info("agent stopped")
}

func (a *Agent) closeAll() {
	for cn := range a.conns {
		delete(a.conns, cn)
		cn.session.Close()
	}
}

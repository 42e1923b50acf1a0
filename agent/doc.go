// Package agent provides the resident side of qtspy: the part that lives inside
// the inspected application.
//
// The agent owns a local stream listener (a unix socket named after the
// application) and one session per accepted connection. Sessions do the
// protocol work; the agent only accepts, routes frames and tears connections
// down. See package session for the per-connection state machine.
//
// # Threading
//
// Everything the agent and its sessions touch in the object graph happens on
// the host's loop goroutine. Each connection has a reader goroutine that
// decodes frames and posts them onto the loop in arrival order; writes are
// framed and flushed from the loop under a per-connection lock.
//
// # Bootstrap
//
// When the agent library is loaded into a process, the host framework may or
// may not be running yet. Bootstrap is the process-scoped initializer that
// handles both cases:
//
//	boot := agent.NewBootstrap(host, hostLoop, agent.Options{})
//	boot.Ensure() // Idle -> Pending, started once the loop is ready
//	boot.Ensure() // no-op
//
// Its state moves Idle -> Pending -> Started. A failed listen returns it to
// Idle so a later Ensure can retry.
//
// # Endpoint naming
//
// The listener is named qt_spy_<application>_<pid>, with the application name
// sanitized to [A-Za-z0-9_]. When the application has no usable name, the
// process name from /proc/<pid>/comm is tried before falling back to
// qt_spy_<pid>. The socket lives in the endpoint directory (the system temp
// directory unless configured).
package agent

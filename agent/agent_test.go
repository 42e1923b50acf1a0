package agent

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
	"github.com/m4xw311/qtspy/protocol"
)

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "qs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func demoHost() *objgraph.App {
	app := objgraph.NewApp("Agent Test", os.Getpid())
	win := objgraph.NewNode("QMainWindow", "main")
	win.AddChild(objgraph.NewNode("QPushButton", "ok").Declare("text", "OK", true))
	app.AddWindow(win)
	return app
}

type client struct {
	t *testing.T
	c net.Conn
}

func dial(t *testing.T, path string) *client {
	t.Helper()
	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { c.Close() })
	return &client{t: t, c: c}
}

func (c *client) send(m *protocol.Message) {
	c.t.Helper()
	if err := protocol.WriteFrame(c.c, m); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recv() *protocol.Message {
	c.t.Helper()
	c.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := protocol.ReadFrame(c.c)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	m, err := protocol.Decode(payload)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return m
}

func startAgent(t *testing.T) (*Bootstrap, *loop.Loop) {
	t.Helper()
	l := loop.New()
	l.Start()
	t.Cleanup(l.Stop)

	boot := NewBootstrap(demoHost(), l, Options{
		ServerName: "qt_spy_" + uuid.NewString()[:8],
		Dir:        shortDir(t),
	})
	boot.Ensure()
	waitState(t, boot, Started)
	t.Cleanup(boot.Shutdown)
	return boot, l
}

func waitState(t *testing.T, b *Bootstrap, want BootState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for b.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("bootstrap stuck in %s waiting for %s (err %v)", b.State(), want, b.Err())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBootstrapDefersUntilLoopReady(t *testing.T) {
	l := loop.New()
	t.Cleanup(l.Stop)
	boot := NewBootstrap(demoHost(), l, Options{ServerName: "qt_spy_" + uuid.NewString()[:8], Dir: shortDir(t)})
	t.Cleanup(boot.Shutdown)

	if boot.State() != Idle {
		t.Fatalf("expected Idle, got %s", boot.State())
	}
	boot.Ensure()
	boot.Ensure()
	if boot.State() != Pending {
		t.Fatalf("expected Pending before the loop runs, got %s", boot.State())
	}

	l.Start()
	waitState(t, boot, Started)
	first := boot.Agent()
	boot.Ensure()
	l.Do(func() {})
	if boot.Agent() != first {
		t.Fatalf("Ensure after Started must not start a second agent")
	}
	if !first.Listening() {
		t.Fatalf("agent should be listening")
	}
}

func TestBootstrapRetriesAfterListenFailure(t *testing.T) {
	l := loop.New()
	l.Start()
	t.Cleanup(l.Stop)
	boot := NewBootstrap(demoHost(), l, Options{ServerName: "qt_spy_x", Dir: filepath.Join(shortDir(t), "missing")})
	boot.Ensure()
	l.Do(func() {})
	if boot.State() != Idle || boot.Err() == nil {
		t.Fatalf("listen failure should return to Idle with an error, got %s/%v", boot.State(), boot.Err())
	}
}

func TestAgentServesSessions(t *testing.T) {
	boot, l := startAgent(t)
	a := boot.Agent()

	c := dial(t, a.SocketPath())
	c.send(&protocol.Message{Type: protocol.TypeAttach, ProtocolVersion: protocol.IntPtr(protocol.Version), ClientName: "test"})
	hello := c.recv()
	if hello.Type != protocol.TypeHello || hello.ServerName != a.ServerName() || hello.ApplicationName != "Agent Test" {
		t.Fatalf("unexpected hello %+v", hello)
	}

	// A split write must still be reassembled into one request.
	frame, _ := protocol.EncodeFrame(&protocol.Message{Type: protocol.TypeSnapshotRequest, RequestID: "s"})
	c.c.Write(frame[:3])
	time.Sleep(10 * time.Millisecond)
	c.c.Write(frame[3:])
	snap := c.recv()
	if snap.Type != protocol.TypeSnapshot || snap.RequestID != "s" || len(snap.Nodes) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	other := dial(t, a.SocketPath())
	other.send(&protocol.Message{Type: protocol.TypeSnapshotRequest})
	if m := other.recv(); m.Code != "handshakeRequired" {
		t.Fatalf("second session must be independent, got %+v", m)
	}

	c.send(&protocol.Message{Type: protocol.TypeDetach, RequestID: "req_1"})
	bye := c.recv()
	if bye.Type != protocol.TypeGoodbye || bye.RequestID != "req_1" {
		t.Fatalf("expected goodbye, got %+v", bye)
	}
	c.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadFrame(c.c); err != io.EOF {
		t.Fatalf("expected EOF after goodbye, got %v", err)
	}
	c.c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		var n int
		l.Do(func() { n = a.SessionCount() })
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 session after detach, have %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopRemovesSocket(t *testing.T) {
	boot, _ := startAgent(t)
	path := boot.Agent().SocketPath()
	c := dial(t, path)

	boot.Shutdown()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket should be removed on stop, stat err = %v", err)
	}
	c.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadFrame(c.c); err == nil {
		t.Fatalf("sessions must be closed on stop")
	}
}

func TestDefaultServerName(t *testing.T) {
	if got := DefaultServerName(objgraph.NewApp("My App", 17)); got != "qt_spy_My_App_17" {
		t.Fatalf("got %q", got)
	}
	// No usable application name: fall back to this process's comm.
	got := DefaultServerName(objgraph.NewApp("", os.Getpid()))
	want := protocol.EndpointName(protocol.ProcessName(os.Getpid()), os.Getpid())
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestProcessBootstrapIsShared(t *testing.T) {
	if Process() != nil {
		t.Fatal("no process bootstrap before the first Ensure")
	}
	dir := shortDir(t)
	name := "qt_spy_" + uuid.NewString()[:8]
	l := loop.New()
	t.Cleanup(l.Stop)

	first := Ensure(demoHost(), l, Options{ServerName: name, Dir: dir})
	t.Cleanup(first.Shutdown)
	if first.State() != Pending {
		t.Fatalf("state before the loop runs = %s, want pending", first.State())
	}

	other := loop.New()
	second := Ensure(objgraph.NewApp("Other", 1), other, Options{ServerName: "qt_spy_other_1", Dir: dir})
	if second != first || Process() != first {
		t.Fatal("every Ensure must return the one process bootstrap")
	}

	l.Start()
	deadline := time.Now().Add(3 * time.Second)
	for first.State() != Started {
		if time.Now().After(deadline) {
			t.Fatalf("agent did not start: %v", first.Err())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := first.Agent().ServerName(); got != name {
		t.Fatalf("the first call's options must win, server name = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "qt_spy_other_1")); err == nil {
		t.Fatal("a second endpoint must never be opened")
	}
}

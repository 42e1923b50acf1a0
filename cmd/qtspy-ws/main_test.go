package main

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/protocol"
)

func TestRelay(t *testing.T) {
	dir, err := os.MkdirTemp("", "qw")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	ln, err := net.Listen("unix", filepath.Join(dir, "qt_spy_relay_1"))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// A scripted agent: answer attach with hello, then echo the next frame's
	// type back inside an unknown frame.
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		payload, err := protocol.ReadFrame(c)
		if err != nil {
			return
		}
		if m, err := protocol.Decode(payload); err != nil || m.Type != protocol.TypeAttach {
			return
		}
		protocol.WriteFrame(c, &protocol.Message{Type: protocol.TypeHello, ProtocolVersion: protocol.IntPtr(protocol.Version)})
		payload, err = protocol.ReadFrame(c)
		if err != nil {
			return
		}
		m, _ := protocol.Decode(payload)
		c.Write(protocol.AppendFrame(nil, []byte(`{"type":"echo","of":"`+m.Type+`"}`)))
	}()

	srv := httptest.NewServer(handleWS(dir, "qt_spy_relay_1", zap.NewNop()))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(s string) {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	read := func() string {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(msg)
	}

	send(`{"type":"attach","protocolVersion":1,"clientName":"browser"}`)
	if got := read(); !strings.Contains(got, `"type":"hello"`) {
		t.Fatalf("expected hello, got %s", got)
	}
	send(`not json`)
	send(`{"type":"snapshotRequest","requestId":"b1"}`)
	if got := read(); got != `{"type":"echo","of":"snapshotRequest"}` {
		t.Fatalf("unknown agent frames must be relayed verbatim, got %s", got)
	}

	// The agent hangs up after the echo; the relay closes the socket.
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, "127.0.0.1:0", t.TempDir(), "qt_spy_none_1", zap.NewNop()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

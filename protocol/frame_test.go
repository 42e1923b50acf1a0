package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/m4xw311/qtspy/errors"
)

var ignoreRaw = cmpopts.IgnoreFields(Message{}, "Raw")

func TestFrameRoundTrip(t *testing.T) {
	messages := []*Message{
		{Type: TypeAttach, ProtocolVersion: IntPtr(Version), ClientName: "qtspy"},
		{Type: TypeHello, ProtocolVersion: IntPtr(1), ServerName: "qt_spy_app_12", ApplicationName: "app", ApplicationPid: 12, TimestampMs: 1700000000000},
		{Type: TypeDetach, RequestID: "req_1"},
		{Type: TypeSnapshot, RequestID: "req_2", RootIDs: []string{"node_1"}, Selection: "node_2", Nodes: []Node{
			{ID: "node_1", ClassName: "QMainWindow", ChildIDs: []string{"node_2"}},
			{ID: "node_2", ParentID: "node_1", ClassName: "QPushButton", ObjectName: "ok", Properties: Properties{"text": "OK", "enabled": true}},
		}},
		{Type: TypePropertiesChanged, ID: "node_2", Changed: []string{"value"}, Properties: Properties{"value": float64(42)}},
		{Type: TypeError, Code: errors.CodeUnknownNode, Text: "no such node", Context: map[string]any{"id": "node_deadbeef"}},
		{Type: TypeNodeRemoved, ID: "node_3", ParentID: "node_1"},
	}

	var stream bytes.Buffer
	for _, m := range messages {
		if err := WriteFrame(&stream, m); err != nil {
			t.Fatalf("WriteFrame(%s): %v", m.Type, err)
		}
	}

	for _, want := range messages {
		payload, err := ReadFrame(&stream)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		got, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(want, got, ignoreRaw, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", want.Type, diff)
		}
	}
}

func TestDecoderPartialAndMultipleFrames(t *testing.T) {
	var all []byte
	for _, id := range []string{"a", "b", "c"} {
		frame, err := EncodeFrame(&Message{Type: TypeSelectNode, ID: id})
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, frame...)
	}

	var d Decoder
	var ids []string
	// Feed in 3-byte slices so headers and payloads straddle reads.
	for i := 0; i < len(all); i += 3 {
		end := min(i+3, len(all))
		payloads, err := d.Feed(all[i:end])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		for _, p := range payloads {
			m, err := Decode(p)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			ids = append(ids, m.ID)
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, have %d bytes", d.Buffered())
	}

	payloads, err := d.Feed(all)
	if err != nil || len(payloads) != 3 {
		t.Fatalf("expected 3 frames from one read, got %d (%v)", len(payloads), err)
	}
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	var d Decoder
	if _, err := d.Feed(hdr[:]); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"x"}`)); err != ErrMissingType {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	_, err := Decode([]byte(`{not json`))
	var syntax *SyntaxError
	if !errors.As(err, &syntax) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
	if _, err := Decode([]byte(`[1,2]`)); !errors.As(err, &syntax) {
		t.Fatalf("expected SyntaxError for non-object, got %v", err)
	}
}

func TestDecodePreservesUnknownType(t *testing.T) {
	payload := []byte(`{"type":"futureEvent","requestId":"r9","extra":{"a":1}}`)
	m, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Known() {
		t.Fatalf("futureEvent should not be a known type")
	}
	if m.RequestID != "r9" {
		t.Fatalf("requestId lost: %q", m.RequestID)
	}
	if !bytes.Equal(m.Raw, payload) {
		t.Fatalf("raw payload not preserved: %s", m.Raw)
	}
}

func TestVersionAbsent(t *testing.T) {
	m, err := Decode([]byte(`{"type":"attach"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Version() != -1 {
		t.Fatalf("expected -1 for missing version, got %d", m.Version())
	}
}

func TestRequiredCollectionsAlwaysEncoded(t *testing.T) {
	cases := []struct {
		msg  *Message
		want []string
	}{
		{&Message{Type: TypeSnapshot, RequestID: "r1", ServerName: "qt_spy_empty_7"}, []string{`"nodes":[]`, `"rootIds":[]`}},
		{&Message{Type: TypeProperties, RequestID: "p", ID: "node_1"}, []string{`"properties":{}`}},
		{&Message{Type: TypePropertiesChanged, ID: "node_1"}, []string{`"properties":{}`, `"changed":[]`}},
		{&Message{Type: TypeNodeAdded, Node: &Node{ID: "node_2", ClassName: "QWidget"}}, []string{`"childIds":[]`, `"properties":{}`}},
	}
	for _, tc := range cases {
		data, err := Encode(tc.msg)
		if err != nil {
			t.Fatalf("Encode(%s): %v", tc.msg.Type, err)
		}
		for _, want := range tc.want {
			if !bytes.Contains(data, []byte(want)) {
				t.Errorf("%s: %s missing %s", tc.msg.Type, data, want)
			}
		}
		if bytes.Count(data, []byte(`"properties"`)) > 1 {
			t.Errorf("%s: duplicate keys in %s", tc.msg.Type, data)
		}
	}

	data, err := Encode(&Message{Type: TypeHello, ProtocolVersion: IntPtr(1)})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte(`"nodes"`)) || bytes.Contains(data, []byte(`"properties"`)) {
		t.Errorf("other frame types keep their collections optional: %s", data)
	}

	got, err := Decode(mustEncode(t, &Message{Type: TypeSnapshot, RequestID: "r1"}))
	if err != nil {
		t.Fatal(err)
	}
	if got.Nodes == nil || got.RootIDs == nil || len(got.Nodes) != 0 || len(got.RootIDs) != 0 {
		t.Errorf("an empty snapshot must decode to empty, non-nil collections: %+v", got)
	}
}

func mustEncode(t *testing.T, m *Message) []byte {
	t.Helper()
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

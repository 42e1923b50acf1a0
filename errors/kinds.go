package errors

import (
	"fmt"
	"strings"
)

// Wire error codes sent in "error" frames.
const (
	CodeInvalidJSON       = "invalidJson"
	CodeInvalidMessage    = "invalidMessage"
	CodeHandshakeRequired = "handshakeRequired"
	CodeAlreadyAttached   = "alreadyAttached"
	CodeProtocolMismatch  = "protocolMismatch"
	CodeInvalidState      = "invalidState"
	CodeInvalidRequest    = "invalidRequest"
	CodeUnknownNode       = "unknownNode"
	CodeUnknownMessage    = "unknownMessage"
	CodeConnectionError   = "connectionError"
)

// ProtocolError is a session-local protocol violation. The connection stays open.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// VersionMismatchError is reported when attach carries a different protocol version.
// The session is closed after it is sent.
type VersionMismatchError struct {
	Server int
	Client int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol mismatch: server speaks %d, client sent %d", e.Server, e.Client)
}

func (e *VersionMismatchError) Code() string { return CodeProtocolMismatch }

// UnknownNodeError is reported for requests naming an id that is not tracked.
type UnknownNodeError struct {
	ID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %q", e.ID)
}

func (e *UnknownNodeError) Code() string { return CodeUnknownNode }

// InjectionError is returned by the loader. Stage names the step that failed.
// The target has been restored and detached by the time this is returned,
// unless Stage is "restore" or "detach".
type InjectionError struct {
	Stage string
	Pid   int
	Err   error
}

func (e *InjectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("inject pid %d: %s failed", e.Pid, e.Stage)
	}
	return fmt.Sprintf("inject pid %d: %s: %v", e.Pid, e.Stage, e.Err)
}

func (e *InjectionError) Unwrap() error { return e.Err }

// Connection error kinds drive the client retry policy.
type ConnectionKind string

const (
	ConnInvalidName ConnectionKind = "invalidName"
	ConnNoListener  ConnectionKind = "noListener"
	ConnFatal       ConnectionKind = "fatal"
)

// ConnectionError wraps a transport failure with the policy-relevant kind.
type ConnectionError struct {
	Kind     ConnectionKind
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s (%s): %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ClassifyConnection maps a dial or read failure to a ConnectionKind by its text,
// which is what the retry policy is defined against.
func ClassifyConnection(endpoint string, err error) *ConnectionError {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if As(err, &ce) {
		return ce
	}
	text := strings.ToLower(err.Error())
	kind := ConnFatal
	switch {
	case strings.Contains(text, "invalid name"),
		strings.Contains(text, "invalid argument"),
		strings.Contains(text, "file name too long"):
		kind = ConnInvalidName
	case strings.Contains(text, "connection refused"),
		strings.Contains(text, "no such file or directory"),
		strings.Contains(text, "not found"),
		strings.Contains(text, "connection reset"),
		strings.Contains(text, "broken pipe"),
		strings.Contains(text, "eof"),
		strings.Contains(text, "peer closed"):
		kind = ConnNoListener
	}
	return &ConnectionError{Kind: kind, Endpoint: endpoint, Err: err}
}

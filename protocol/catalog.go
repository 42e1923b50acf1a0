// Package protocol defines the qtspy wire vocabulary and the frame codec shared
// by the resident agent and its clients.
//
// A frame is a 4-byte big-endian length followed by that many bytes of UTF-8
// JSON. Every message is a JSON object with a mandatory "type" field; an
// optional "requestId" is echoed verbatim by the agent so clients can correlate
// responses to requests.
package protocol

// Version is the protocol version spoken by this build. Attach requests carrying
// any other version are rejected.
const Version = 1

// Message types.
const (
	TypeAttach            = "attach"
	TypeDetach            = "detach"
	TypeHello             = "hello"
	TypeGoodbye           = "goodbye"
	TypeSnapshotRequest   = "snapshotRequest"
	TypeSnapshot          = "snapshot"
	TypePropertiesRequest = "propertiesRequest"
	TypeProperties        = "properties"
	TypeSelectNode        = "selectNode"
	TypeSelectionAck      = "selectionAck"
	TypeNodeAdded         = "nodeAdded"
	TypeNodeRemoved       = "nodeRemoved"
	TypePropertiesChanged = "propertiesChanged"
	TypeError             = "error"
)

// Field keys, for code that works on raw JSON objects.
const (
	KeyType            = "type"
	KeyTimestampMs     = "timestampMs"
	KeyProtocolVersion = "protocolVersion"
	KeyRequestID       = "requestId"
	KeyID              = "id"
	KeyParentID        = "parentId"
	KeyNode            = "node"
	KeyNodes           = "nodes"
	KeyRootIDs         = "rootIds"
	KeyChildIDs        = "childIds"
	KeyProperties      = "properties"
	KeyChanged         = "changed"
	KeySelection       = "selection"
	KeyServerName      = "serverName"
	KeyApplicationName = "applicationName"
	KeyApplicationPid  = "applicationPid"
	KeyClientName      = "clientName"
)

// DynamicPropertiesKey holds properties that were attached to an object at
// runtime rather than declared by its type.
const DynamicPropertiesKey = "__dynamic"

// EndpointPrefix starts every agent endpoint name.
const EndpointPrefix = "qt_spy_"

// FirstRoot is the action target sentinel meaning "the first root id of the
// first snapshot".
const FirstRoot = "first-root"

var knownTypes = map[string]bool{
	TypeAttach:            true,
	TypeDetach:            true,
	TypeHello:             true,
	TypeGoodbye:           true,
	TypeSnapshotRequest:   true,
	TypeSnapshot:          true,
	TypePropertiesRequest: true,
	TypeProperties:        true,
	TypeSelectNode:        true,
	TypeSelectionAck:      true,
	TypeNodeAdded:         true,
	TypeNodeRemoved:       true,
	TypePropertiesChanged: true,
	TypeError:             true,
}

// IsKnownType reports whether t is part of this protocol version's catalog.
func IsKnownType(t string) bool {
	return knownTypes[t]
}

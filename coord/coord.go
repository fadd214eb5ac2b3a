// Package coord defines the types shared between the coordination server
// and the client binding: status codes, process identities, attribute
// declarations, and lifecycle events.
package coord

import "fmt"

// Version is the version of the coordination layer, queryable before and
// after init.
const Version = "1.2.0"

// Status is the result code of a coordination call. Zero is success and
// every error is a distinct negative code, so codes can be printed and
// compared without string matching.
type Status int

const (
	Success Status = 0

	ErrInit         Status = -1
	ErrExists       Status = -2
	ErrNotFound     Status = -3
	ErrBadParam     Status = -4
	ErrNotSupported Status = -5
	ErrUnreachable  Status = -6
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case ErrInit:
		return "ERR_INIT"
	case ErrExists:
		return "ERR_EXISTS"
	case ErrNotFound:
		return "ERR_NOT_FOUND"
	case ErrBadParam:
		return "ERR_BAD_PARAM"
	case ErrNotSupported:
		return "ERR_NOT_SUPPORTED"
	case ErrUnreachable:
		return "ERR_UNREACHABLE"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Identity names a client process within the coordination service:
// a namespace plus a rank within that namespace.
type Identity struct {
	Nspace string
	Rank   int
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%d", id.Nspace, id.Rank)
}

// AttrType is the declared type of an attribute value.
type AttrType string

const (
	AttrString AttrType = "string"
	AttrSize   AttrType = "size"
	AttrInt    AttrType = "int"
	AttrBool   AttrType = "bool"
)

// Attribute is a single entry of the attribute schema declared at init.
// The server records these but does not interpret them; clients can query
// them after connecting.
type Attribute struct {
	Name  string
	Value interface{}
	Type  AttrType
}

// Event names fired by the server as clients come and go.
const (
	EventClientConnected = "client-connected"
	EventClientFinalized = "client-finalized"
)

// Event is delivered to registered event handlers.
type Event struct {
	Name string
	Peer Identity
	Info map[string]string
}

// EventHandler handles a lifecycle event. The returned status is logged
// by the server but does not affect the client's connection.
type EventHandler func(Event) Status

package gatt

import "fmt"

// Handle is a 16-bit ATT attribute handle.
type Handle uint16

// InvalidHandle is the reserved ATT handle value 0x0000, never assigned to
// a real attribute.
const InvalidHandle Handle = 0x0000

// String formats the handle in the conventional hex form, e.g. "0x0012".
func (h Handle) String() string {
	return fmt.Sprintf("0x%04x", uint16(h))
}

// ConnHandle identifies one link-layer connection to a peer.
type ConnHandle uint16

// InvalidConnHandle is the unbound sentinel returned while no connection is
// bound to the monitor.
const InvalidConnHandle ConnHandle = 0xFFFF

func (c ConnHandle) String() string {
	if c == InvalidConnHandle {
		return "unbound"
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}

// ConnectionEvent carries the parameters of an established connection. The
// monitor extracts the connection handle from it when discovery starts.
type ConnectionEvent struct {
	Handle ConnHandle
	Addr   string // peer address, informational only
}

// Service is one GATT primary service reported by discovery.
type Service struct {
	UUID      string // normalized (lowercase, no dashes, short form when SIG base)
	Handle    Handle // service declaration handle
	EndHandle Handle // last handle belonging to the service
}

// Characteristic is one GATT characteristic reported by discovery.
// Immutable once discovered; the descriptor range of the characteristic is
// ValueHandle+1 through EndHandle inclusive.
type Characteristic struct {
	UUID        string
	DeclHandle  Handle // characteristic declaration handle
	ValueHandle Handle // handle of the characteristic value attribute
	EndHandle   Handle // last handle of the characteristic's group
	Props       Property
}

// Descriptor is one characteristic descriptor reported by discovery.
type Descriptor struct {
	UUID   string
	Handle Handle
}

// ValueKind distinguishes the two server-initiated value push mechanisms.
type ValueKind uint8

const (
	// KindNotification is an unacknowledged server-initiated value push.
	KindNotification ValueKind = iota
	// KindIndication is an acknowledged server-initiated value push.
	KindIndication
)

func (k ValueKind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindIndication:
		return "indication"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

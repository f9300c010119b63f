package gatt

import "strings"

// Property is the GATT characteristic properties bitset from the
// characteristic declaration.
type Property uint8

// Standard characteristic property bits (Bluetooth Core Spec Vol 3, Part G).
const (
	PropBroadcast   Property = 0x01
	PropRead        Property = 0x02
	PropWriteNR     Property = 0x04 // write without response
	PropWrite       Property = 0x08
	PropNotify      Property = 0x10
	PropIndicate    Property = 0x20
	PropSignedWrite Property = 0x40 // authenticated signed writes
	PropExtended    Property = 0x80
)

// CanRead reports whether the characteristic value may be read.
func (p Property) CanRead() bool {
	return p&PropRead != 0
}

// CanNotify reports whether the server may push unacknowledged value updates.
func (p Property) CanNotify() bool {
	return p&PropNotify != 0
}

// CanIndicate reports whether the server may push acknowledged value updates.
func (p Property) CanIndicate() bool {
	return p&PropIndicate != 0
}

// CanSubscribe reports whether the characteristic supports either
// server-initiated update mechanism.
func (p Property) CanSubscribe() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// propertyNames maps each bit to its human-readable name, in bit order.
var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteNR, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

// Names returns the human-readable names of all set property bits, in bit
// order.
func (p Property) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

// String renders the set bits as a comma-separated list, or "none".
func (p Property) String() string {
	names := p.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseProperties converts a comma-separated list of property names (as
// accepted in test profiles and CLI filters, e.g. "read,notify") into a
// Property bitset. Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "broadcast":
			p |= PropBroadcast
		case "read":
			p |= PropRead
		case "write-without-response", "writewithoutresponse":
			p |= PropWriteNR
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		case "authenticated-signed-writes", "authenticatedsignedwrites":
			p |= PropSignedWrite
		case "extended", "extendedproperties":
			p |= PropExtended
		}
	}
	return p
}

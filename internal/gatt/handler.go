package gatt

// EventHandler receives the asynchronous completion and event callbacks of a
// Stack. All methods are invoked on the stack's single dispatch context, one
// at a time; implementations must not block it.
//
// Discovery callbacks identify their subject by connection handle plus, where
// applicable, the characteristic the sub-operation was scoped to.
type EventHandler interface {
	// OnServiceFound fires once per primary service reported by DiscoverAll.
	OnServiceFound(conn ConnHandle, svc Service)

	// OnCharacteristicFound fires once per characteristic reported by
	// DiscoverAll, in server order, after the service that contains it.
	OnCharacteristicFound(conn ConnHandle, c Characteristic)

	// OnDiscoveryComplete terminates a DiscoverAll request. A non-nil err
	// means the whole-server discovery failed.
	OnDiscoveryComplete(conn ConnHandle, err error)

	// OnReadComplete terminates a Read request for the given value handle.
	OnReadComplete(conn ConnHandle, h Handle, value []byte, err error)

	// OnDescriptorFound fires once per descriptor reported by
	// DiscoverDescriptors for characteristic c.
	OnDescriptorFound(conn ConnHandle, c Characteristic, d Descriptor)

	// OnDescriptorDiscoveryComplete terminates a DiscoverDescriptors
	// request, including one ended early by CancelDescriptorDiscovery.
	OnDescriptorDiscoveryComplete(conn ConnHandle, c Characteristic, err error)

	// OnWriteComplete terminates a WriteDescriptor request for the given
	// descriptor handle.
	OnWriteComplete(conn ConnHandle, h Handle, err error)

	// OnValueChanged delivers a server-initiated value push for a subscribed
	// characteristic's value handle. May interleave with discovery callbacks
	// for characteristics not yet processed.
	OnValueChanged(conn ConnHandle, h Handle, value []byte, kind ValueKind)

	// OnMTUChanged reports a negotiated ATT MTU change. Informational.
	OnMTUChanged(conn ConnHandle, mtu int)
}

// Stack is the narrow request interface of the BLE host stack consumed by
// the discovery pipeline. Every request is asynchronous: it returns once the
// request is accepted and the outcome arrives later through the registered
// EventHandler. Requests must be issued one at a time per connection; the
// caller owns that discipline.
type Stack interface {
	// SetHandler registers the event handler. Passing nil unregisters the
	// current handler; events arriving afterwards are discarded.
	SetHandler(h EventHandler)

	// DiscoverAll requests whole-server service and characteristic
	// discovery on the connection.
	DiscoverAll(conn ConnHandle) error

	// Read requests the value of the characteristic with the given value
	// handle.
	Read(conn ConnHandle, value Handle) error

	// DiscoverDescriptors requests descriptor discovery scoped to the
	// handle range of the single characteristic c.
	DiscoverDescriptors(conn ConnHandle, c Characteristic) error

	// CancelDescriptorDiscovery ends an in-flight descriptor discovery for
	// c early. The stack still delivers OnDescriptorDiscoveryComplete.
	CancelDescriptorDiscovery(conn ConnHandle, c Characteristic) error

	// WriteDescriptor requests a write of value to the descriptor at h.
	WriteDescriptor(conn ConnHandle, h Handle, value []byte) error
}

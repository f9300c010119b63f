package testutils

import (
	"fmt"

	"github.com/srg/gattmon/internal/gatt"
)

// FakeDescriptor is one descriptor of a scripted characteristic.
type FakeDescriptor struct {
	UUID   string
	Handle gatt.Handle
}

// FakeCharacteristic is one scripted characteristic: the GATT record, the
// value returned by reads, and the descriptors enumerated by descriptor
// discovery, in handle order.
type FakeCharacteristic struct {
	gatt.Characteristic
	Value       []byte
	Descriptors []FakeDescriptor
}

// FakeService is one scripted primary service.
type FakeService struct {
	gatt.Service
	Characteristics []FakeCharacteristic
}

// DescriptorWrite records one WriteDescriptor issued against the fake.
type DescriptorWrite struct {
	Conn   gatt.ConnHandle
	Handle gatt.Handle
	Value  []byte
}

// FakeStack is a scripted, fully synchronous gatt.Stack. Every request
// delivers its callbacks inline, before the request returns, on the caller's
// goroutine. That mirrors the strictest form of the dispatch-context model
// and makes tests deterministic without sleeps or channels.
//
// Build one by hand from FakeService values or through PeripheralBuilder.
type FakeStack struct {
	// Services is the scripted attribute database, in server order.
	Services []FakeService

	// OnOp, when set, runs after each request is traced and before it
	// executes. Tests use it to interleave notifications with the pipeline.
	OnOp func(op string)

	handler gatt.EventHandler
	bound   gatt.ConnHandle

	cancelled bool
	trace     []string
	writes    []DescriptorWrite

	discoverAllErr       error
	discoveryCompleteErr error
	cancelErr            error
	readLaunchErrs       map[gatt.Handle]error
	readErrs             map[gatt.Handle]error
	descLaunchErrs       map[gatt.Handle]error
	descErrs             map[gatt.Handle]error
	writeLaunchErrs      map[gatt.Handle]error
	writeErrs            map[gatt.Handle]error
}

var _ gatt.Stack = (*FakeStack)(nil)

// NewFakeStack creates a fake stack serving the given scripted services.
func NewFakeStack(services ...FakeService) *FakeStack {
	return &FakeStack{
		Services: services,
		bound:    gatt.InvalidConnHandle,
	}
}

// ----------------------------------------------------------------------------
// Failure injection
// ----------------------------------------------------------------------------

// FailDiscoverAll makes DiscoverAll itself return err.
func (s *FakeStack) FailDiscoverAll(err error) *FakeStack {
	s.discoverAllErr = err
	return s
}

// FailDiscovery makes discovery complete asynchronously with err after the
// full replay.
func (s *FakeStack) FailDiscovery(err error) *FakeStack {
	s.discoveryCompleteErr = err
	return s
}

// FailReadLaunch makes Read on the given value handle return err.
func (s *FakeStack) FailReadLaunch(h gatt.Handle, err error) *FakeStack {
	if s.readLaunchErrs == nil {
		s.readLaunchErrs = make(map[gatt.Handle]error)
	}
	s.readLaunchErrs[h] = err
	return s
}

// FailRead makes the read of the given value handle complete with err.
func (s *FakeStack) FailRead(h gatt.Handle, err error) *FakeStack {
	if s.readErrs == nil {
		s.readErrs = make(map[gatt.Handle]error)
	}
	s.readErrs[h] = err
	return s
}

// FailDescriptorsLaunch makes DiscoverDescriptors for the characteristic
// with the given value handle return err.
func (s *FakeStack) FailDescriptorsLaunch(h gatt.Handle, err error) *FakeStack {
	if s.descLaunchErrs == nil {
		s.descLaunchErrs = make(map[gatt.Handle]error)
	}
	s.descLaunchErrs[h] = err
	return s
}

// FailDescriptors makes descriptor discovery for the characteristic with the
// given value handle complete with err after the replay.
func (s *FakeStack) FailDescriptors(h gatt.Handle, err error) *FakeStack {
	if s.descErrs == nil {
		s.descErrs = make(map[gatt.Handle]error)
	}
	s.descErrs[h] = err
	return s
}

// FailWriteLaunch makes WriteDescriptor on the given descriptor handle
// return err.
func (s *FakeStack) FailWriteLaunch(h gatt.Handle, err error) *FakeStack {
	if s.writeLaunchErrs == nil {
		s.writeLaunchErrs = make(map[gatt.Handle]error)
	}
	s.writeLaunchErrs[h] = err
	return s
}

// FailWrite makes the write to the given descriptor handle complete with
// err.
func (s *FakeStack) FailWrite(h gatt.Handle, err error) *FakeStack {
	if s.writeErrs == nil {
		s.writeErrs = make(map[gatt.Handle]error)
	}
	s.writeErrs[h] = err
	return s
}

// FailCancel makes CancelDescriptorDiscovery return err.
func (s *FakeStack) FailCancel(err error) *FakeStack {
	s.cancelErr = err
	return s
}

// ----------------------------------------------------------------------------
// Inspection
// ----------------------------------------------------------------------------

// Ops returns the trace of requests issued against the fake, in order.
func (s *FakeStack) Ops() []string {
	out := make([]string, len(s.trace))
	copy(out, s.trace)
	return out
}

// Writes returns every descriptor write issued against the fake, in order.
func (s *FakeStack) Writes() []DescriptorWrite {
	out := make([]DescriptorWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// Handler returns the currently registered event handler, nil after Stop.
func (s *FakeStack) Handler() gatt.EventHandler {
	return s.handler
}

func (s *FakeStack) op(format string, args ...interface{}) {
	op := fmt.Sprintf(format, args...)
	s.trace = append(s.trace, op)
	if s.OnOp != nil {
		s.OnOp(op)
	}
}

// ----------------------------------------------------------------------------
// Drivers
// ----------------------------------------------------------------------------

// Notify delivers a server-initiated value for the given value handle on the
// bound connection.
func (s *FakeStack) Notify(h gatt.Handle, value []byte, kind gatt.ValueKind) {
	s.NotifyOn(s.bound, h, value, kind)
}

// NotifyOn delivers a server-initiated value on an explicit connection
// handle, e.g. to simulate a stale connection.
func (s *FakeStack) NotifyOn(conn gatt.ConnHandle, h gatt.Handle, value []byte, kind gatt.ValueKind) {
	if s.handler != nil {
		s.handler.OnValueChanged(conn, h, value, kind)
	}
}

// PushMTU delivers an MTU exchange result on the bound connection.
func (s *FakeStack) PushMTU(mtu int) {
	if s.handler != nil {
		s.handler.OnMTUChanged(s.bound, mtu)
	}
}

// ----------------------------------------------------------------------------
// gatt.Stack
// ----------------------------------------------------------------------------

func (s *FakeStack) SetHandler(h gatt.EventHandler) {
	if h == nil {
		s.op("unset-handler")
	} else {
		s.op("set-handler")
	}
	s.handler = h
}

func (s *FakeStack) DiscoverAll(conn gatt.ConnHandle) error {
	s.op("discover-all")
	if s.discoverAllErr != nil {
		return s.discoverAllErr
	}
	s.bound = conn

	for _, svc := range s.Services {
		if s.handler == nil {
			break
		}
		s.handler.OnServiceFound(conn, svc.Service)
		for _, c := range svc.Characteristics {
			if s.handler == nil {
				break
			}
			s.handler.OnCharacteristicFound(conn, c.Characteristic)
		}
	}
	if s.handler != nil {
		s.handler.OnDiscoveryComplete(conn, s.discoveryCompleteErr)
	}
	return nil
}

func (s *FakeStack) Read(conn gatt.ConnHandle, h gatt.Handle) error {
	s.op("read %s", h)
	if err := s.readLaunchErrs[h]; err != nil {
		return err
	}
	if s.handler == nil {
		return nil
	}

	if err := s.readErrs[h]; err != nil {
		s.handler.OnReadComplete(conn, h, nil, err)
		return nil
	}
	c, ok := s.lookupChar(h)
	if !ok {
		s.handler.OnReadComplete(conn, h, nil, fmt.Errorf("no characteristic at %s", h))
		return nil
	}
	s.handler.OnReadComplete(conn, h, append([]byte(nil), c.Value...), nil)
	return nil
}

func (s *FakeStack) DiscoverDescriptors(conn gatt.ConnHandle, c gatt.Characteristic) error {
	s.op("discover-descriptors %s", c.ValueHandle)
	if err := s.descLaunchErrs[c.ValueHandle]; err != nil {
		return err
	}
	if s.handler == nil {
		return nil
	}

	s.cancelled = false
	fc, ok := s.lookupChar(c.ValueHandle)
	if ok {
		for _, d := range fc.Descriptors {
			if s.cancelled || s.handler == nil {
				break
			}
			s.handler.OnDescriptorFound(conn, c, gatt.Descriptor{UUID: d.UUID, Handle: d.Handle})
		}
	}
	if s.handler != nil {
		s.handler.OnDescriptorDiscoveryComplete(conn, c, s.descErrs[c.ValueHandle])
	}
	return nil
}

func (s *FakeStack) CancelDescriptorDiscovery(conn gatt.ConnHandle, c gatt.Characteristic) error {
	s.op("cancel-descriptors %s", c.ValueHandle)
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = true
	return nil
}

func (s *FakeStack) WriteDescriptor(conn gatt.ConnHandle, h gatt.Handle, value []byte) error {
	s.op("write-descriptor %s %x", h, value)
	if err := s.writeLaunchErrs[h]; err != nil {
		return err
	}
	s.writes = append(s.writes, DescriptorWrite{
		Conn:   conn,
		Handle: h,
		Value:  append([]byte(nil), value...),
	})
	if s.handler != nil {
		s.handler.OnWriteComplete(conn, h, s.writeErrs[h])
	}
	return nil
}

// lookupChar finds the scripted characteristic with the given value handle.
func (s *FakeStack) lookupChar(h gatt.Handle) (FakeCharacteristic, bool) {
	for _, svc := range s.Services {
		for _, c := range svc.Characteristics {
			if c.ValueHandle == h {
				return c, true
			}
		}
	}
	return FakeCharacteristic{}, false
}

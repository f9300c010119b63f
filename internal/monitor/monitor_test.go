package monitor_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/monitor"
	"github.com/srg/gattmon/internal/ringchan"
	"github.com/srg/gattmon/internal/testutils"
)

const (
	testConn = gatt.ConnHandle(0x0040)
	testAddr = "AA:BB:CC:DD:EE:FF"
)

// Handles assigned by PeripheralBuilder for heartRateProfile, laid out
// sequentially from 0x0001.
const (
	hrValue   = gatt.Handle(0x0003) // 2a37, read+notify
	hrCCCD    = gatt.Handle(0x0004)
	bodyValue = gatt.Handle(0x0006) // 2a38, read only
	uartValue = gatt.Handle(0x0009) // UART TX, notify only
	uartCCCD  = gatt.Handle(0x000a)
)

// heartRateProfile is the reference peripheral: a readable subscribable
// characteristic, a read-only one, and a non-readable notify-only one in a
// second service.
func heartRateProfile() *testutils.PeripheralBuilder {
	return testutils.NewPeripheralBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "read,notify", []byte{0x06, 0x48}).
		WithCharacteristic("2a38", "read", []byte{0x01}).
		WithService("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
		WithCharacteristic("6e400003-b5a3-f393-e0a9-e50e24dcca9e", "notify", nil)
}

// harness wires a monitor to a fake stack with a single-slot channel and
// records every pipeline state transition.
type harness struct {
	t      *testing.T
	mon    *monitor.Monitor
	out    *ringchan.RingChannel[monitor.Update]
	stack  *testutils.FakeStack
	states []monitor.State
}

func newHarness(t *testing.T, stack *testutils.FakeStack, opts monitor.Options) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		stack: stack,
		out:   ringchan.NewRingChannel[monitor.Update](1),
	}
	opts.OnStateChange = func(_, to monitor.State) {
		h.states = append(h.states, to)
	}
	h.mon = monitor.New(opts)
	require.NoError(t, h.mon.Setup(h.out))
	require.NoError(t, h.mon.Start(stack))
	return h
}

func (h *harness) discover() {
	h.t.Helper()
	require.NoError(h.t, h.mon.StartDiscovery(gatt.ConnectionEvent{Handle: testConn, Addr: testAddr}))
}

func TestPipelineFullTrace(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	assert.Equal(t, []string{
		"set-handler",
		"discover-all",
		"read 0x0003",
		"discover-descriptors 0x0003",
		"cancel-descriptors 0x0003",
		"write-descriptor 0x0004 0100",
		"read 0x0006",
		"discover-descriptors 0x0009",
		"cancel-descriptors 0x0009",
		"write-descriptor 0x000a 0100",
	}, h.stack.Ops())

	assert.Equal(t, []monitor.State{
		monitor.StateServiceDiscovery,
		monitor.StateCharRead,
		monitor.StateCharDescriptors,
		monitor.StateCharSubscribe,
		monitor.StateCharRead,
		monitor.StateCharDescriptors,
		monitor.StateCharSubscribe,
		monitor.StateListening,
	}, h.states)

	require.Equal(t, monitor.StateListening, h.mon.State())
	assert.Equal(t, testConn, h.mon.ConnectionHandle())

	svcs := h.mon.Services()
	require.Len(t, svcs, 2)
	assert.Equal(t, "180d", svcs[0].UUID)
	assert.Equal(t, gatt.Handle(0x0001), svcs[0].Handle)
	assert.Equal(t, gatt.Handle(0x0006), svcs[0].EndHandle)
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", svcs[1].UUID)

	chars := h.mon.Characteristics()
	require.Len(t, chars, 3)

	assert.Equal(t, "2a37", chars[0].UUID)
	assert.Equal(t, []byte{0x06, 0x48}, chars[0].Value)
	assert.True(t, chars[0].Subscribed)
	assert.Equal(t, gatt.KindNotification, chars[0].Mode)

	assert.Equal(t, "2a38", chars[1].UUID)
	assert.Equal(t, []byte{0x01}, chars[1].Value)
	assert.False(t, chars[1].Subscribed)

	assert.Equal(t, "6e400003b5a3f393e0a9e50e24dcca9e", chars[2].UUID)
	assert.Nil(t, chars[2].Value)
	assert.True(t, chars[2].Subscribed)

	writes := h.stack.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, testutils.DescriptorWrite{Conn: testConn, Handle: hrCCCD, Value: []byte{0x01, 0x00}}, writes[0])
	assert.Equal(t, testutils.DescriptorWrite{Conn: testConn, Handle: uartCCCD, Value: []byte{0x01, 0x00}}, writes[1])
}

func TestNotificationPublishes(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	h.stack.Notify(hrValue, []byte{0x06, 0x50}, gatt.KindNotification)

	u, ok := h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, testConn, u.Conn)
	assert.Equal(t, hrValue, u.Handle)
	assert.Equal(t, gatt.KindNotification, u.Kind)
	assert.Equal(t, []byte{0x06, 0x50}, u.Value)
	assert.Equal(t, uint64(1), u.Seq)
	assert.Positive(t, u.TsUs)

	h.stack.Notify(uartValue, []byte("pong"), gatt.KindNotification)
	u, ok = h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, uartValue, u.Handle)
	assert.Equal(t, uint64(2), u.Seq)
}

func TestSingleSlotKeepsLatest(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	h.stack.Notify(hrValue, []byte{1}, gatt.KindNotification)
	h.stack.Notify(hrValue, []byte{2}, gatt.KindNotification)
	h.stack.Notify(hrValue, []byte{3}, gatt.KindNotification)

	u, ok := h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, []byte{3}, u.Value)
	assert.Equal(t, uint64(3), u.Seq)

	_, ok = h.out.TryReceive()
	assert.False(t, ok)

	m := h.mon.Metrics()
	assert.Equal(t, int64(3), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
}

func TestOversizeValueRejected(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{MaxValueLen: 4})
	h.discover()

	h.stack.Notify(hrValue, []byte{1, 2, 3, 4, 5}, gatt.KindNotification)

	_, ok := h.out.TryReceive()
	assert.False(t, ok)
	assert.Equal(t, int64(1), h.mon.Metrics().Errors)

	// The retained read value is untouched by the rejection.
	assert.Equal(t, []byte{0x06, 0x48}, h.mon.Characteristics()[0].Value)

	h.stack.Notify(hrValue, []byte{1, 2, 3, 4}, gatt.KindNotification)
	u, ok := h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, u.Value)
}

func TestServiceDiscoveryFailureHaltsPipeline(t *testing.T) {
	stack := heartRateProfile().Build().FailDiscovery(errors.New("att timeout"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	// Straight to listening, no per-characteristic stage runs.
	assert.Equal(t, []string{"set-handler", "discover-all"}, stack.Ops())
	assert.Equal(t, monitor.StateListening, h.mon.State())

	chars := h.mon.Characteristics()
	require.Len(t, chars, 3)
	for _, c := range chars {
		assert.False(t, c.Subscribed)
		assert.Nil(t, c.Value)
	}
}

func TestDiscoveryLaunchFailureReturnsToIdle(t *testing.T) {
	stack := heartRateProfile().Build().FailDiscoverAll(errors.New("hci down"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	assert.Equal(t, monitor.StateIdle, h.mon.State())
	assert.Equal(t, gatt.InvalidConnHandle, h.mon.ConnectionHandle())
	assert.Equal(t, []monitor.State{monitor.StateServiceDiscovery, monitor.StateIdle}, h.states)
}

func TestReadFailureSkipsCharacteristic(t *testing.T) {
	stack := heartRateProfile().Build().FailRead(hrValue, errors.New("read not permitted"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	assert.Equal(t, []string{
		"set-handler",
		"discover-all",
		"read 0x0003",
		"read 0x0006",
		"discover-descriptors 0x0009",
		"cancel-descriptors 0x0009",
		"write-descriptor 0x000a 0100",
	}, stack.Ops())

	chars := h.mon.Characteristics()
	assert.Nil(t, chars[0].Value)
	assert.False(t, chars[0].Subscribed)
	assert.True(t, chars[2].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestReadLaunchFailureSkipsCharacteristic(t *testing.T) {
	stack := heartRateProfile().Build().FailReadLaunch(hrValue, errors.New("busy"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	chars := h.mon.Characteristics()
	assert.Nil(t, chars[0].Value)
	assert.False(t, chars[0].Subscribed)
	assert.Equal(t, []byte{0x01}, chars[1].Value)
	assert.True(t, chars[2].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestNoCCCDSkipsSubscription(t *testing.T) {
	stack := testutils.NewPeripheralBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithDescriptor("2901").
		WithoutCCCD().
		Build()
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	ops := stack.Ops()
	assert.Contains(t, ops, "discover-descriptors 0x0003")
	for _, op := range ops {
		assert.NotContains(t, op, "write-descriptor")
		assert.NotContains(t, op, "cancel-descriptors")
	}

	chars := h.mon.Characteristics()
	require.Len(t, chars, 1)
	assert.False(t, chars[0].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestDescriptorDiscoveryFailureSkipsCharacteristic(t *testing.T) {
	stack := heartRateProfile().Build().FailDescriptors(hrValue, errors.New("insufficient authentication"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	chars := h.mon.Characteristics()
	// The read already completed; only the subscription is abandoned.
	assert.Equal(t, []byte{0x06, 0x48}, chars[0].Value)
	assert.False(t, chars[0].Subscribed)
	assert.True(t, chars[2].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestDescriptorLaunchFailureSkipsCharacteristic(t *testing.T) {
	stack := heartRateProfile().Build().FailDescriptorsLaunch(hrValue, errors.New("busy"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	chars := h.mon.Characteristics()
	assert.False(t, chars[0].Subscribed)
	assert.True(t, chars[2].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestCCCDWriteFailureContinues(t *testing.T) {
	stack := heartRateProfile().Build().FailWrite(hrCCCD, errors.New("write not permitted"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	chars := h.mon.Characteristics()
	assert.False(t, chars[0].Subscribed)
	assert.True(t, chars[2].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestCCCDWriteLaunchFailureContinues(t *testing.T) {
	stack := heartRateProfile().Build().FailWriteLaunch(hrCCCD, errors.New("busy"))
	h := newHarness(t, stack, monitor.Options{})
	h.discover()

	chars := h.mon.Characteristics()
	assert.False(t, chars[0].Subscribed)
	assert.True(t, chars[2].Subscribed)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestSubscribePolicySelectsIndication(t *testing.T) {
	profile := func() *testutils.FakeStack {
		return testutils.NewPeripheralBuilder().
			WithService("180d").
			WithCharacteristic("2a37", "notify,indicate", nil).
			Build()
	}

	h := newHarness(t, profile(), monitor.Options{})
	h.discover()
	writes := h.stack.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x01, 0x00}, writes[0].Value)
	assert.Equal(t, gatt.KindNotification, h.mon.Characteristics()[0].Mode)

	h = newHarness(t, profile(), monitor.Options{Policy: monitor.PreferIndicate})
	h.discover()
	writes = h.stack.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x02, 0x00}, writes[0].Value)
	assert.Equal(t, gatt.KindIndication, h.mon.Characteristics()[0].Mode)
}

func TestIndicateOnlyIgnoresPolicy(t *testing.T) {
	stack := testutils.NewPeripheralBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "indicate", nil).
		Build()
	h := newHarness(t, stack, monitor.Options{Policy: monitor.PreferNotify})
	h.discover()

	writes := h.stack.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x02, 0x00}, writes[0].Value)
	assert.Equal(t, gatt.KindIndication, h.mon.Characteristics()[0].Mode)
}

func TestRegistryGrowthBound(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{MaxCharacteristics: 2})
	h.discover()

	chars := h.mon.Characteristics()
	require.Len(t, chars, 2)
	assert.Equal(t, "2a37", chars[0].UUID)
	assert.Equal(t, "2a38", chars[1].UUID)

	// The dropped third characteristic is never touched.
	for _, op := range h.stack.Ops() {
		assert.NotContains(t, op, "0x0009")
	}
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestDuplicateValueHandleSkipped(t *testing.T) {
	svc := testutils.FakeService{
		Service: gatt.Service{UUID: "180d", Handle: 0x0001, EndHandle: 0x0006},
		Characteristics: []testutils.FakeCharacteristic{
			{
				Characteristic: gatt.Characteristic{
					UUID: "2a37", DeclHandle: 0x0002, ValueHandle: 0x0003, EndHandle: 0x0004,
					Props: gatt.PropRead | gatt.PropNotify,
				},
				Value:       []byte{0x42},
				Descriptors: []testutils.FakeDescriptor{{UUID: "2902", Handle: 0x0004}},
			},
			{
				Characteristic: gatt.Characteristic{
					UUID: "2a38", DeclHandle: 0x0005, ValueHandle: 0x0003, EndHandle: 0x0006,
					Props: gatt.PropRead,
				},
			},
		},
	}
	h := newHarness(t, testutils.NewFakeStack(svc), monitor.Options{})
	h.discover()

	chars := h.mon.Characteristics()
	require.Len(t, chars, 1)
	assert.Equal(t, "2a37", chars[0].UUID)
	assert.Equal(t, monitor.StateListening, h.mon.State())
}

func TestStopClosesChannelAndUnregisters(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	h.mon.Stop()

	assert.Equal(t, monitor.StateIdle, h.mon.State())
	assert.Equal(t, gatt.InvalidConnHandle, h.mon.ConnectionHandle())
	assert.Nil(t, h.stack.Handler())
	assert.Contains(t, h.stack.Ops(), "unset-handler")

	_, ok := h.out.Receive()
	assert.False(t, ok, "channel must be closed after Stop")

	// Idempotent, and late notifications are dropped without panic.
	h.mon.Stop()
	h.stack.NotifyOn(testConn, hrValue, []byte{1}, gatt.KindNotification)
}

func TestStopMidPipeline(t *testing.T) {
	stack := heartRateProfile().Build()
	h := newHarness(t, stack, monitor.Options{})

	stopped := false
	stack.OnOp = func(op string) {
		if op == "read 0x0003" && !stopped {
			stopped = true
			h.mon.Stop()
		}
	}
	h.discover()

	assert.Equal(t, monitor.StateIdle, h.mon.State())
	// Nothing runs past the interrupted read.
	for _, op := range stack.Ops() {
		assert.NotContains(t, op, "0x0006")
		assert.NotContains(t, op, "0x0009")
	}
	_, ok := h.out.Receive()
	assert.False(t, ok)
}

func TestRediscoveryDropsPriorState(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	h.stack.Notify(hrValue, []byte{1}, gatt.KindNotification)
	_, ok := h.out.TryReceive()
	require.True(t, ok)

	// Second discovery on a new connection without stopping first.
	require.NoError(t, h.mon.StartDiscovery(gatt.ConnectionEvent{Handle: 0x0041, Addr: testAddr}))

	assert.Equal(t, gatt.ConnHandle(0x0041), h.mon.ConnectionHandle())
	assert.Equal(t, monitor.StateListening, h.mon.State())

	chars := h.mon.Characteristics()
	require.Len(t, chars, 3)
	assert.True(t, chars[0].Subscribed)

	// Values from the first connection are gone; the sequence counter is
	// not rewound.
	h.stack.Notify(hrValue, []byte{2}, gatt.KindNotification)
	u, ok := h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, uint64(2), u.Seq)
	assert.Equal(t, gatt.ConnHandle(0x0041), u.Conn)
}

func TestRestartAfterStop(t *testing.T) {
	stack := heartRateProfile().Build()
	h := newHarness(t, stack, monitor.Options{})
	h.discover()
	h.mon.Stop()

	out2 := ringchan.NewRingChannel[monitor.Update](1)
	require.NoError(t, h.mon.Setup(out2))
	require.NoError(t, h.mon.Start(stack))
	require.NoError(t, h.mon.StartDiscovery(gatt.ConnectionEvent{Handle: testConn, Addr: testAddr}))

	assert.Equal(t, monitor.StateListening, h.mon.State())

	stack.Notify(hrValue, []byte{7}, gatt.KindNotification)
	u, ok := out2.TryReceive()
	require.True(t, ok)
	assert.Equal(t, []byte{7}, u.Value)
}

func TestNotificationDuringDiscovery(t *testing.T) {
	stack := heartRateProfile().Build()
	h := newHarness(t, stack, monitor.Options{})

	injected := false
	stack.OnOp = func(op string) {
		// By the time the second read starts, the first characteristic is
		// already subscribed and may push values.
		if op == "read 0x0006" && !injected {
			injected = true
			stack.Notify(hrValue, []byte{0x06, 0x51}, gatt.KindNotification)
		}
	}
	h.discover()

	require.True(t, injected)
	assert.Equal(t, monitor.StateListening, h.mon.State())

	u, ok := h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, hrValue, u.Handle)
	assert.Equal(t, []byte{0x06, 0x51}, u.Value)
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	staleConn := gatt.ConnHandle(0xBEEF)

	// Discovery callbacks for a foreign connection or in the wrong state
	// change nothing.
	h.mon.OnServiceFound(staleConn, gatt.Service{UUID: "180f", Handle: 0x0100})
	h.mon.OnCharacteristicFound(staleConn, gatt.Characteristic{UUID: "2a19", ValueHandle: 0x0102})
	h.mon.OnCharacteristicFound(testConn, gatt.Characteristic{UUID: "2a19", ValueHandle: 0x0102})

	assert.Len(t, h.mon.Services(), 2)
	assert.Len(t, h.mon.Characteristics(), 3)

	// Notifications from a foreign connection are not published.
	h.stack.NotifyOn(staleConn, hrValue, []byte{1}, gatt.KindNotification)
	_, ok := h.out.TryReceive()
	assert.False(t, ok)
}

func TestMTUObserved(t *testing.T) {
	h := newHarness(t, heartRateProfile().Build(), monitor.Options{})
	h.discover()

	require.Equal(t, 0, h.mon.MTU())
	state := h.mon.State()

	h.stack.PushMTU(185)
	assert.Equal(t, 185, h.mon.MTU())
	assert.Equal(t, state, h.mon.State())
}

func TestLifecycleMisuse(t *testing.T) {
	stack := heartRateProfile().Build()
	m := monitor.New(monitor.Options{})

	assert.ErrorIs(t, m.Start(stack), monitor.ErrNotConfigured)
	assert.ErrorIs(t, m.StartDiscovery(gatt.ConnectionEvent{Handle: testConn}), monitor.ErrNotStarted)
	assert.ErrorIs(t, m.Setup(nil), monitor.ErrNotConfigured)

	out := ringchan.NewRingChannel[monitor.Update](1)
	require.NoError(t, m.Setup(out))
	assert.Error(t, m.Start(nil))
	require.NoError(t, m.Start(stack))

	assert.ErrorIs(t, m.Start(stack), monitor.ErrAlreadyStarted)
	assert.ErrorIs(t, m.Setup(out), monitor.ErrAlreadyStarted)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	m := monitor.New(monitor.Options{})
	m.Stop()
	m.Stop()
	assert.Equal(t, monitor.StateIdle, m.State())
}

// Package monitor implements the client-side GATT discovery and subscription
// pipeline for a single BLE connection: whole-server service discovery,
// per-characteristic processing (value read, descriptor discovery, CCCD
// enable write) and the steady-state notification sink that publishes
// received values to a single-slot channel.
//
// The monitor is a single-threaded cooperative state machine. Every stack
// callback and every lifecycle call must execute on one dispatch context;
// the monitor itself spawns no goroutines and takes no locks. The only other
// actor is the external consumer draining the publication channel.
package monitor

import (
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattmon/internal/bledb"
	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/ringchan"
)

// Lifecycle misuse errors. Pipeline-stage failures are never returned; they
// are logged and handled per stage.
var (
	// ErrNotConfigured means Setup was not called before Start.
	ErrNotConfigured = errors.New("publication channel not configured")

	// ErrNotStarted means Start was not called before StartDiscovery.
	ErrNotStarted = errors.New("monitor not started")

	// ErrAlreadyStarted means Start or Setup was called on a running monitor.
	ErrAlreadyStarted = errors.New("monitor already started")
)

const (
	// DefaultMaxValueLen bounds the payload size accepted by the
	// notification sink. Longer values are rejected and dropped.
	DefaultMaxValueLen = 256

	// DefaultMaxCharacteristics bounds registry growth during discovery.
	DefaultMaxCharacteristics = 64
)

// Options configures a Monitor. The zero value selects the defaults.
type Options struct {
	Logger *logrus.Logger

	// MaxValueLen bounds accepted notification payloads (0 = default).
	MaxValueLen int

	// MaxCharacteristics bounds registry growth (0 = default).
	MaxCharacteristics int

	// Policy selects notify vs indicate when a characteristic advertises
	// both capabilities.
	Policy SubscribePolicy

	// OnStateChange, when set, observes every pipeline state transition.
	// Invoked on the dispatch context; must not block or re-enter the
	// monitor.
	OnStateChange func(old, new State)
}

// Monitor drives the discovery pipeline on one connection and publishes
// subscribed values. All methods must be called on the same dispatch context
// that delivers the stack's callbacks.
type Monitor struct {
	logger *logrus.Logger
	opts   Options

	out   *ringchan.RingChannel[Update]
	stack gatt.Stack

	state State
	conn  gatt.ConnHandle

	reg           *registry
	services      []gatt.Service
	values        map[gatt.Handle][]byte         // last read value per value handle
	modes         map[gatt.Handle]gatt.ValueKind // enabled kind per subscribed value handle
	growthStopped bool

	// cccdHandle is valid only during the descriptor-discovery and
	// subscribe sub-stages of the current characteristic.
	cccdHandle  gatt.Handle
	pendingKind gatt.ValueKind

	mtu int
	seq uint64
}

// discardLogger mirrors the shared no-op logger used when no logger is
// provided.
var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// New creates an idle Monitor. Call Setup, Start and StartDiscovery to run
// the pipeline.
func New(opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	if opts.MaxValueLen <= 0 {
		opts.MaxValueLen = DefaultMaxValueLen
	}
	if opts.MaxCharacteristics <= 0 {
		opts.MaxCharacteristics = DefaultMaxCharacteristics
	}
	return &Monitor{
		logger:     opts.Logger,
		opts:       opts,
		state:      StateIdle,
		conn:       gatt.InvalidConnHandle,
		reg:        newRegistry(),
		values:     make(map[gatt.Handle][]byte),
		modes:      make(map[gatt.Handle]gatt.ValueKind),
		cccdHandle: gatt.InvalidHandle,
	}
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Setup binds the publication channel the notification sink writes to. Must
// be called before Start. The monitor owns the channel from here on and
// closes it on Stop so the consumer observes end-of-stream.
func (m *Monitor) Setup(out *ringchan.RingChannel[Update]) error {
	if out == nil {
		return ErrNotConfigured
	}
	if m.stack != nil {
		return ErrAlreadyStarted
	}
	m.out = out
	return nil
}

// Start binds the stack and registers the monitor as its event handler for
// GATT client and MTU events. Must follow Setup; discovery does not begin
// until StartDiscovery.
func (m *Monitor) Start(stack gatt.Stack) error {
	if m.out == nil {
		return ErrNotConfigured
	}
	if m.stack != nil {
		return ErrAlreadyStarted
	}
	if stack == nil {
		return errors.New("stack is required")
	}
	m.stack = stack
	m.stack.SetHandler(m)
	m.logger.Debug("Monitor started, event handler registered")
	return nil
}

// StartDiscovery binds the connection handle carried by the connection
// event, discards any prior discovery state, and launches whole-server
// service discovery. Safe to call while a prior discovery is still in
// progress: the previous registry contents are dropped first.
//
// Pipeline failures after this point are logged, never returned; the only
// errors here are lifecycle misuse.
func (m *Monitor) StartDiscovery(ev gatt.ConnectionEvent) error {
	if m.stack == nil {
		return ErrNotStarted
	}

	m.resetDiscovery()
	m.conn = ev.Handle
	m.logger.WithFields(logrus.Fields{
		"conn": ev.Handle.String(),
		"addr": ev.Addr,
	}).Info("Starting service discovery")

	m.setState(StateServiceDiscovery)
	if err := m.stack.DiscoverAll(m.conn); err != nil {
		m.logger.WithError(err).Error("Failed to launch service discovery")
		m.conn = gatt.InvalidConnHandle
		m.setState(StateIdle)
	}
	return nil
}

// Stop unregisters the event handler, releases the registry, unbinds the
// connection handle and closes the publication channel. Idempotent: calling
// Stop on an idle monitor is a no-op.
func (m *Monitor) Stop() {
	if m.stack == nil && m.out == nil && m.conn == gatt.InvalidConnHandle && m.state == StateIdle {
		return
	}

	// Unregister first so no callback lands while state is torn down.
	if m.stack != nil {
		m.stack.SetHandler(nil)
		m.stack = nil
	}

	m.resetDiscovery()
	m.conn = gatt.InvalidConnHandle
	m.setState(StateIdle)

	if m.out != nil {
		m.out.Close()
		m.out = nil
	}

	m.logger.Debug("Monitor stopped")
}

// resetDiscovery drops every artifact of a prior discovery cycle.
func (m *Monitor) resetDiscovery() {
	m.reg.clear()
	m.services = nil
	m.values = make(map[gatt.Handle][]byte)
	m.modes = make(map[gatt.Handle]gatt.ValueKind)
	m.growthStopped = false
	m.cccdHandle = gatt.InvalidHandle
}

// ----------------------------------------------------------------------------
// Accessors
// ----------------------------------------------------------------------------

// ConnectionHandle returns the bound connection handle, or
// gatt.InvalidConnHandle while unbound.
func (m *Monitor) ConnectionHandle() gatt.ConnHandle {
	return m.conn
}

// State returns the current pipeline state.
func (m *Monitor) State() State {
	return m.state
}

// MTU returns the last negotiated ATT MTU observed, or 0.
func (m *Monitor) MTU() int {
	return m.mtu
}

// Services returns the services reported by the last discovery, in server
// order.
func (m *Monitor) Services() []gatt.Service {
	out := make([]gatt.Service, len(m.services))
	copy(out, m.services)
	return out
}

// Characteristics returns the registry contents in discovery order together
// with retained read values and subscription modes.
//
// External readers must synchronize with the dispatch context, e.g. by
// waiting for the Listening transition via Options.OnStateChange.
func (m *Monitor) Characteristics() []CharacteristicInfo {
	recs := m.reg.all()
	out := make([]CharacteristicInfo, 0, len(recs))
	for _, c := range recs {
		info := CharacteristicInfo{Characteristic: c}
		if v, ok := m.values[c.ValueHandle]; ok {
			info.Value = append([]byte(nil), v...)
		}
		if kind, ok := m.modes[c.ValueHandle]; ok {
			info.Subscribed = true
			info.Mode = kind
		}
		out = append(out, info)
	}
	return out
}

// Metrics returns the publication channel metrics: values published,
// overwritten before consumption, and rejected as oversized.
func (m *Monitor) Metrics() ringchan.Metrics {
	if m.out == nil {
		return ringchan.Metrics{}
	}
	return m.out.GetMetrics()
}

// ----------------------------------------------------------------------------
// Pipeline
// ----------------------------------------------------------------------------

func (m *Monitor) setState(s State) {
	if m.state == s {
		return
	}
	old := m.state
	m.state = s
	m.logger.WithFields(logrus.Fields{
		"from": old.String(),
		"to":   s.String(),
	}).Debug("Pipeline state changed")
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(old, s)
	}
}

// processNext drives the per-characteristic stages for the record under the
// cursor, looping past records that need no asynchronous work. It returns
// once an asynchronous request is in flight or the registry is exhausted.
func (m *Monitor) processNext() {
	for {
		c, ok := m.reg.current()
		if !ok {
			m.logger.WithField("characteristics", m.reg.len()).Info("Discovery pipeline complete, listening")
			m.setState(StateListening)
			return
		}

		if c.Props.CanRead() {
			m.setState(StateCharRead)
			if err := m.stack.Read(m.conn, c.ValueHandle); err != nil {
				m.charLog(c).WithError(err).Warn("Read request failed, skipping characteristic")
				m.reg.advance()
				continue
			}
			return
		}

		// Not readable: straight to capability inspection.
		if !m.startDescriptorDiscovery(c) {
			m.reg.advance()
			continue
		}
		return
	}
}

// startDescriptorDiscovery begins the descriptor sub-stage when the
// characteristic supports server-initiated updates. Returns true when an
// asynchronous request was issued.
func (m *Monitor) startDescriptorDiscovery(c gatt.Characteristic) bool {
	if !c.Props.CanSubscribe() {
		m.charLog(c).Debug("No notify or indicate capability, characteristic complete")
		return false
	}

	m.setState(StateCharDescriptors)
	m.cccdHandle = gatt.InvalidHandle
	if err := m.stack.DiscoverDescriptors(m.conn, c); err != nil {
		m.charLog(c).WithError(err).Warn("Descriptor discovery request failed, skipping characteristic")
		return false
	}
	return true
}

// subscribeKind applies the subscribe policy to the characteristic's
// capabilities.
func (m *Monitor) subscribeKind(p gatt.Property) gatt.ValueKind {
	switch {
	case p.CanNotify() && p.CanIndicate():
		if m.opts.Policy == PreferIndicate {
			return gatt.KindIndication
		}
		return gatt.KindNotification
	case p.CanIndicate():
		return gatt.KindIndication
	default:
		return gatt.KindNotification
	}
}

// charLog returns the structured log entry identifying a characteristic.
func (m *Monitor) charLog(c gatt.Characteristic) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"uuid":   c.UUID,
		"handle": c.ValueHandle.String(),
	})
}

// currentMatches guards per-characteristic callbacks against stale delivery:
// the callback's subject must be the record under the cursor.
func (m *Monitor) currentMatches(valueHandle gatt.Handle) (gatt.Characteristic, bool) {
	c, ok := m.reg.current()
	if !ok || c.ValueHandle != valueHandle {
		return gatt.Characteristic{}, false
	}
	return c, true
}

// ----------------------------------------------------------------------------
// gatt.EventHandler
// ----------------------------------------------------------------------------

// OnServiceFound records and logs a discovered service. The registry is not
// touched; only characteristics populate it.
func (m *Monitor) OnServiceFound(conn gatt.ConnHandle, svc gatt.Service) {
	if conn != m.conn || m.state != StateServiceDiscovery {
		return
	}
	m.services = append(m.services, svc)

	entry := m.logger.WithFields(logrus.Fields{
		"uuid":  svc.UUID,
		"start": svc.Handle.String(),
		"end":   svc.EndHandle.String(),
	})
	if name := bledb.LookupService(svc.UUID); name != "" {
		entry = entry.WithField("name", name)
	}
	entry.Info("Service discovered")
}

// OnCharacteristicFound appends a discovered characteristic to the registry
// in server order. Registry growth failures stop further appends without
// unwinding existing records; duplicates are skipped.
func (m *Monitor) OnCharacteristicFound(conn gatt.ConnHandle, c gatt.Characteristic) {
	if conn != m.conn || m.state != StateServiceDiscovery {
		return
	}
	if m.growthStopped {
		return
	}

	switch err := m.reg.append(c, m.opts.MaxCharacteristics); {
	case errors.Is(err, ErrDuplicateHandle):
		m.charLog(c).Warn("Duplicate value handle, record skipped")
	case errors.Is(err, ErrRegistryFull):
		m.growthStopped = true
		m.logger.WithFields(logrus.Fields{
			"limit": m.opts.MaxCharacteristics,
		}).Error("Characteristic registry full, further discovery results dropped")
	case err == nil:
		m.charLog(c).WithField("props", c.Props.String()).Info("Characteristic discovered")
	}
}

// OnDiscoveryComplete ends the whole-server discovery stage. On success the
// cursor rewinds and per-characteristic processing begins; on failure the
// entire pipeline halts and the monitor goes straight to listening with
// whatever registry contents exist.
func (m *Monitor) OnDiscoveryComplete(conn gatt.ConnHandle, err error) {
	if conn != m.conn || m.state != StateServiceDiscovery {
		return
	}

	if err != nil {
		m.logger.WithError(err).Error("Service discovery failed, pipeline halted")
		m.setState(StateListening)
		return
	}

	m.logger.WithFields(logrus.Fields{
		"services":        len(m.services),
		"characteristics": m.reg.len(),
	}).Info("Service discovery complete")

	m.reg.reset()
	m.processNext()
}

// OnReadComplete ends the read sub-stage for the current characteristic. A
// read failure abandons only this characteristic's remaining sub-stages.
func (m *Monitor) OnReadComplete(conn gatt.ConnHandle, h gatt.Handle, value []byte, err error) {
	if conn != m.conn || m.state != StateCharRead {
		return
	}
	c, ok := m.currentMatches(h)
	if !ok {
		return
	}

	if err != nil {
		m.charLog(c).WithError(err).Warn("Characteristic read failed, skipping characteristic")
		m.reg.advance()
		m.processNext()
		return
	}

	m.values[h] = append([]byte(nil), value...)
	m.charLog(c).WithFields(logrus.Fields{
		"len":   len(value),
		"value": hexPreview(value),
	}).Info("Characteristic value read")

	if !m.startDescriptorDiscovery(c) {
		m.reg.advance()
		m.processNext()
	}
}

// OnDescriptorFound inspects one descriptor of the current characteristic.
// The first CCCD ends the enumeration early; nothing else is remembered.
func (m *Monitor) OnDescriptorFound(conn gatt.ConnHandle, c gatt.Characteristic, d gatt.Descriptor) {
	if conn != m.conn || m.state != StateCharDescriptors {
		return
	}
	cur, ok := m.currentMatches(c.ValueHandle)
	if !ok {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"char":   cur.UUID,
		"uuid":   d.UUID,
		"handle": d.Handle.String(),
	}).Debug("Descriptor discovered")

	if m.cccdHandle == gatt.InvalidHandle && gatt.IsCCCD(d.UUID) {
		m.cccdHandle = d.Handle
		if err := m.stack.CancelDescriptorDiscovery(m.conn, cur); err != nil {
			m.logger.WithError(err).Debug("Could not end descriptor discovery early")
		}
	}
}

// OnDescriptorDiscoveryComplete ends the descriptor sub-stage. Without a
// CCCD the subscription is silently skipped; with one, the enable write is
// issued per the subscribe policy.
func (m *Monitor) OnDescriptorDiscoveryComplete(conn gatt.ConnHandle, c gatt.Characteristic, err error) {
	if conn != m.conn || m.state != StateCharDescriptors {
		return
	}
	cur, ok := m.currentMatches(c.ValueHandle)
	if !ok {
		return
	}

	if err != nil {
		m.charLog(cur).WithError(err).Warn("Descriptor discovery failed, skipping characteristic")
		m.cccdHandle = gatt.InvalidHandle
		m.reg.advance()
		m.processNext()
		return
	}

	if m.cccdHandle == gatt.InvalidHandle {
		m.charLog(cur).Debug("No CCCD found, subscription skipped")
		m.reg.advance()
		m.processNext()
		return
	}

	m.pendingKind = m.subscribeKind(cur.Props)
	m.setState(StateCharSubscribe)
	if err := m.stack.WriteDescriptor(m.conn, m.cccdHandle, gatt.EnableValue(m.pendingKind)); err != nil {
		m.charLog(cur).WithError(err).Warn("CCCD write request failed, skipping characteristic")
		m.cccdHandle = gatt.InvalidHandle
		m.reg.advance()
		m.processNext()
	}
}

// OnWriteComplete ends the subscribe sub-stage and advances the cursor
// regardless of outcome.
func (m *Monitor) OnWriteComplete(conn gatt.ConnHandle, h gatt.Handle, err error) {
	if conn != m.conn || m.state != StateCharSubscribe || h != m.cccdHandle {
		return
	}
	c, ok := m.reg.current()
	if !ok {
		return
	}

	if err != nil {
		m.charLog(c).WithError(err).Warn("CCCD write failed, characteristic not subscribed")
	} else {
		m.modes[c.ValueHandle] = m.pendingKind
		m.charLog(c).WithField("mode", m.pendingKind.String()).Info("Subscribed")
	}

	m.cccdHandle = gatt.InvalidHandle
	m.reg.advance()
	m.processNext()
}

// OnValueChanged is the notification sink: it publishes the payload to the
// single-slot channel. It never blocks on the consumer, and it may fire for
// already-subscribed characteristics while discovery of later ones is still
// in progress.
func (m *Monitor) OnValueChanged(conn gatt.ConnHandle, h gatt.Handle, value []byte, kind gatt.ValueKind) {
	if conn != m.conn || m.out == nil {
		return
	}

	entry := m.logger.WithFields(logrus.Fields{
		"handle": h.String(),
		"kind":   kind.String(),
		"len":    len(value),
	})
	if c, ok := m.reg.lookup(h); ok {
		entry = entry.WithField("uuid", c.UUID)
	}

	if len(value) > m.opts.MaxValueLen {
		entry.WithField("max", m.opts.MaxValueLen).Error("Value exceeds channel capacity, dropped")
		m.out.AddError()
		return
	}

	m.seq++
	u := Update{
		TsUs:   time.Now().UnixMicro(),
		Seq:    m.seq,
		Conn:   conn,
		Handle: h,
		Kind:   kind,
		Value:  append([]byte(nil), value...),
	}
	if m.out.ForceSend(u) {
		entry.Debug("Value published, unconsumed predecessor overwritten")
	} else {
		entry.Debug("Value published")
	}
}

// OnMTUChanged is a passive observer: it logs and retains the negotiated
// MTU, with no state transition.
func (m *Monitor) OnMTUChanged(conn gatt.ConnHandle, mtu int) {
	m.mtu = mtu
	m.logger.WithFields(logrus.Fields{
		"conn": conn.String(),
		"mtu":  mtu,
	}).Info("ATT MTU changed")
}

// hexPreview renders a short hex dump for log lines, eliding long payloads.
func hexPreview(b []byte) string {
	const max = 16
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, max*2+1)
	const digits = "0123456789abcdef"
	n := len(b)
	if n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		out = append(out, digits[b[i]>>4], digits[b[i]&0x0f])
	}
	if len(b) > max {
		out = append(out, '.', '.')
	}
	return string(out)
}

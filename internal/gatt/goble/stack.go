// Package goble adapts the go-ble host stack to the gatt.Stack request and
// callback contract. Requests run on worker goroutines; every callback is
// delivered on a single dispatch queue so handlers never observe two events
// at once.
package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattmon/internal/dispatch"
	"github.com/srg/gattmon/internal/gatt"
)

// client is the slice of ble.Client the stack actually uses. Narrowing the
// dependency keeps tests independent of the full go-ble client surface.
type client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ClearSubscriptions() error
	CancelConnection() error
}

// connSeq feeds synthesized connection handles. go-ble does not expose the
// link-layer handle, so each dial gets the next value from a private range.
var connSeq uint32

func nextConnHandle() gatt.ConnHandle {
	n := atomic.AddUint32(&connSeq, 1) - 1
	return gatt.ConnHandle(0x0040 + uint16(n%0x0f00))
}

// subTarget ties a CCCD handle back to the live characteristic it configures.
type subTarget struct {
	char  *ble.Characteristic
	value gatt.Handle
}

// replayService is one discovered service with its characteristic records in
// server order, ready to be replayed to the event handler.
type replayService struct {
	svc   gatt.Service
	chars []gatt.Characteristic
}

// Stack drives one go-ble connection and implements gatt.Stack over it.
//
// The zero value is not usable; construct with NewStack.
type Stack struct {
	logger *logrus.Logger
	queue  *dispatch.Queue

	mu           sync.RWMutex
	handler      gatt.EventHandler
	cli          client
	conn         gatt.ConnHandle
	addr         string
	mtu          int
	disconnected chan struct{}
	lost         bool

	chars     map[gatt.Handle]*ble.Characteristic // value handle -> live characteristic
	descs     map[gatt.Handle]*ble.Descriptor     // descriptor handle -> live descriptor
	cccds     map[gatt.Handle]subTarget           // CCCD handle -> subscription target
	charDescs map[gatt.Handle][]gatt.Descriptor   // value handle -> descriptor records
	synthNext gatt.Handle                         // allocator for late-found descriptor handles

	cancelDesc atomic.Bool
}

var _ gatt.Stack = (*Stack)(nil)

// NewStack creates a disconnected stack. Call Connect before issuing
// requests.
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Stack{
		logger:    logger,
		queue:     dispatch.NewQueue("gatt-events", 0, logger),
		conn:      gatt.InvalidConnHandle,
		chars:     make(map[gatt.Handle]*ble.Characteristic),
		descs:     make(map[gatt.Handle]*ble.Descriptor),
		cccds:     make(map[gatt.Handle]subTarget),
		charDescs: make(map[gatt.Handle][]gatt.Descriptor),
		synthNext: 0xf000,
	}
}

// Connect dials the peripheral at address and binds the stack to the
// resulting link. timeout bounds the dial when positive; ctx cancellation
// always applies.
func (s *Stack) Connect(ctx context.Context, address string, timeout time.Duration) (gatt.ConnectionEvent, error) {
	s.mu.Lock()
	if s.cli != nil {
		s.mu.Unlock()
		return gatt.ConnectionEvent{}, fmt.Errorf("%w: already bound to %s", gatt.ErrAlreadyConnected, s.addr)
	}
	s.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		return gatt.ConnectionEvent{}, fmt.Errorf("can't create BLE device: %w", err)
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.logger.WithField("address", address).Debug("Dialing peripheral")
	cli, err := dev.Dial(dialCtx, ble.NewAddr(address))
	if err != nil {
		return gatt.ConnectionEvent{}, gatt.NormalizeError(err)
	}

	if err := s.queue.Start(); err != nil {
		_ = cli.CancelConnection()
		return gatt.ConnectionEvent{}, err
	}

	conn := nextConnHandle()
	disconnected := make(chan struct{})

	s.mu.Lock()
	s.cli = cli
	s.conn = conn
	s.addr = address
	s.lost = false
	s.disconnected = disconnected
	if c, ok := cli.(interface{ Conn() ble.Conn }); ok {
		s.mtu = c.Conn().TxMTU()
	}
	s.mu.Unlock()

	// go-ble surfaces link loss as a closed channel on platforms that
	// support it.
	if d, ok := cli.(interface{ Disconnected() <-chan struct{} }); ok {
		dispatch.Go(context.Background(), fmt.Sprintf("link-watch-%s", address), func(context.Context) {
			<-d.Disconnected()
			s.linkLost(conn)
		})
	}

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"conn":    conn,
	}).Info("Connected to peripheral")

	return gatt.ConnectionEvent{Handle: conn, Addr: address}, nil
}

// linkLost marks the connection gone and wakes Disconnected waiters.
func (s *Stack) linkLost(conn gatt.ConnHandle) {
	s.mu.Lock()
	if s.conn != conn || s.lost {
		s.mu.Unlock()
		return
	}
	s.lost = true
	s.cli = nil
	ch := s.disconnected
	addr := s.addr
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": addr,
		"conn":    conn,
	}).Warn("Connection lost")
	close(ch)
}

// Disconnected returns a channel closed when the current link drops or the
// stack is closed. Nil until the first Connect.
func (s *Stack) Disconnected() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnected
}

// IsConnected reports whether a live link is bound.
func (s *Stack) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cli != nil
}

// Close drops subscriptions, cancels the connection and stops event
// dispatch. Safe to call repeatedly.
func (s *Stack) Close() error {
	s.mu.Lock()
	cli := s.cli
	s.cli = nil
	s.conn = gatt.InvalidConnHandle
	s.addr = ""
	s.chars = make(map[gatt.Handle]*ble.Characteristic)
	s.descs = make(map[gatt.Handle]*ble.Descriptor)
	s.cccds = make(map[gatt.Handle]subTarget)
	s.charDescs = make(map[gatt.Handle][]gatt.Descriptor)
	ch := s.disconnected
	wasLost := s.lost
	s.lost = true
	s.mu.Unlock()

	var firstErr error
	if cli != nil {
		if err := cli.ClearSubscriptions(); err != nil {
			s.logger.WithError(err).Debug("Clearing subscriptions failed")
		}
		if err := cli.CancelConnection(); err != nil {
			firstErr = gatt.NormalizeError(err)
		}
	}
	if err := s.queue.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if ch != nil && !wasLost {
		close(ch)
	}
	return firstErr
}

// SetHandler implements gatt.Stack.
func (s *Stack) SetHandler(h gatt.EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// clientFor returns the live client when conn names the bound connection.
func (s *Stack) clientFor(conn gatt.ConnHandle) (client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cli == nil {
		return nil, gatt.ErrNotConnected
	}
	if conn != s.conn {
		return nil, fmt.Errorf("%w: stale connection handle %s", gatt.ErrNotConnected, conn)
	}
	return s.cli, nil
}

// post schedules one handler callback on the dispatch queue. Events posted
// after the handler is unregistered are discarded.
func (s *Stack) post(fn func(h gatt.EventHandler)) {
	err := s.queue.Post(func() {
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h == nil {
			return
		}
		fn(h)
	})
	if err != nil {
		s.logger.WithError(err).Warn("Event dropped")
	}
}

// DiscoverAll implements gatt.Stack. The whole-profile walk runs on a worker
// goroutine; results are replayed to the handler in server order.
func (s *Stack) DiscoverAll(conn gatt.ConnHandle) error {
	cli, err := s.clientFor(conn)
	if err != nil {
		return err
	}

	dispatch.Go(context.Background(), "gatt-discover", func(context.Context) {
		profile, derr := cli.DiscoverProfile(true)
		if derr != nil {
			s.post(func(h gatt.EventHandler) {
				h.OnDiscoveryComplete(conn, gatt.NormalizeError(derr))
			})
			return
		}

		replay := s.index(profile)
		if mtu := s.currentMTU(); mtu > 0 {
			s.post(func(h gatt.EventHandler) { h.OnMTUChanged(conn, mtu) })
		}
		// One job for the whole replay keeps records in server order with
		// nothing interleaved between them.
		s.post(func(h gatt.EventHandler) {
			for _, rs := range replay {
				h.OnServiceFound(conn, rs.svc)
				for _, c := range rs.chars {
					h.OnCharacteristicFound(conn, c)
				}
			}
			h.OnDiscoveryComplete(conn, nil)
		})
	})
	return nil
}

func (s *Stack) currentMTU() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mtu
}

// index converts the discovered profile into gatt records and rebuilds the
// handle lookup tables. Darwin's stack leaves attribute handles unset, so a
// profile without them gets a synthesized sequential layout; the records
// stay stable for the life of the connection either way.
func (s *Stack) index(profile *ble.Profile) []replayService {
	synthesize := false
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			if ch.ValueHandle == 0 {
				synthesize = true
			}
		}
	}

	chars := make(map[gatt.Handle]*ble.Characteristic)
	descs := make(map[gatt.Handle]*ble.Descriptor)
	cccds := make(map[gatt.Handle]subTarget)
	charDescs := make(map[gatt.Handle][]gatt.Descriptor)

	var replay []replayService
	next := gatt.Handle(0x0001)
	for _, svc := range profile.Services {
		rs := replayService{
			svc: gatt.Service{UUID: gatt.NormalizeUUID(svc.UUID.String())},
		}
		if synthesize {
			rs.svc.Handle = next
			next++
		} else {
			rs.svc.Handle = gatt.Handle(svc.Handle)
		}

		for _, ch := range svc.Characteristics {
			rec := gatt.Characteristic{
				UUID:  gatt.NormalizeUUID(ch.UUID.String()),
				Props: gatt.Property(ch.Property),
			}
			if synthesize {
				rec.DeclHandle = next
				next++
				rec.ValueHandle = next
				next++
			} else {
				rec.DeclHandle = gatt.Handle(ch.Handle)
				rec.ValueHandle = gatt.Handle(ch.ValueHandle)
			}

			list := ch.Descriptors
			if ch.CCCD != nil && !containsDescriptor(list, ch.CCCD) {
				list = append(append([]*ble.Descriptor(nil), list...), ch.CCCD)
			}
			var drecs []gatt.Descriptor
			for _, d := range list {
				var dh gatt.Handle
				if synthesize {
					dh = next
					next++
				} else {
					dh = gatt.Handle(d.Handle)
				}
				drec := gatt.Descriptor{UUID: gatt.NormalizeUUID(d.UUID.String()), Handle: dh}
				drecs = append(drecs, drec)
				descs[dh] = d
				if drec.UUID == gatt.DescriptorClientConfig {
					cccds[dh] = subTarget{char: ch, value: rec.ValueHandle}
				}
			}
			if synthesize {
				rec.EndHandle = next - 1
			} else {
				rec.EndHandle = gatt.Handle(ch.EndHandle)
			}

			chars[rec.ValueHandle] = ch
			charDescs[rec.ValueHandle] = drecs
			rs.chars = append(rs.chars, rec)
		}

		if synthesize {
			rs.svc.EndHandle = next - 1
		} else {
			rs.svc.EndHandle = gatt.Handle(svc.EndHandle)
		}
		replay = append(replay, rs)
	}

	s.mu.Lock()
	s.chars = chars
	s.descs = descs
	s.cccds = cccds
	s.charDescs = charDescs
	s.mu.Unlock()
	return replay
}

func containsDescriptor(list []*ble.Descriptor, d *ble.Descriptor) bool {
	for _, x := range list {
		if x == d || x.UUID.Equal(d.UUID) {
			return true
		}
	}
	return false
}

// Read implements gatt.Stack.
func (s *Stack) Read(conn gatt.ConnHandle, value gatt.Handle) error {
	cli, err := s.clientFor(conn)
	if err != nil {
		return err
	}
	s.mu.RLock()
	ch := s.chars[value]
	s.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("no characteristic at %s", value)
	}

	dispatch.Go(context.Background(), "gatt-read", func(context.Context) {
		data, rerr := cli.ReadCharacteristic(ch)
		if rerr != nil {
			s.post(func(h gatt.EventHandler) {
				h.OnReadComplete(conn, value, nil, gatt.NormalizeError(rerr))
			})
			return
		}
		val := append([]byte(nil), data...)
		s.post(func(h gatt.EventHandler) { h.OnReadComplete(conn, value, val, nil) })
	})
	return nil
}

// DiscoverDescriptors implements gatt.Stack. Descriptors already collected
// by the profile walk are replayed from cache; an empty cache with a
// non-empty attribute range falls back to an on-the-wire discovery.
func (s *Stack) DiscoverDescriptors(conn gatt.ConnHandle, c gatt.Characteristic) error {
	cli, err := s.clientFor(conn)
	if err != nil {
		return err
	}
	s.mu.RLock()
	ch := s.chars[c.ValueHandle]
	cached := s.charDescs[c.ValueHandle]
	s.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("no characteristic at %s", c.ValueHandle)
	}

	s.cancelDesc.Store(false)

	dispatch.Go(context.Background(), "gatt-descriptors", func(context.Context) {
		records := cached
		var derr error
		if len(records) == 0 && c.EndHandle > c.ValueHandle {
			var found []*ble.Descriptor
			found, derr = cli.DiscoverDescriptors(nil, ch)
			if derr == nil {
				records = s.registerDescriptors(c.ValueHandle, ch, found)
			}
		}

		s.post(func(h gatt.EventHandler) {
			if derr != nil {
				h.OnDescriptorDiscoveryComplete(conn, c, gatt.NormalizeError(derr))
				return
			}
			for _, d := range records {
				if s.cancelDesc.Load() {
					break
				}
				h.OnDescriptorFound(conn, c, d)
			}
			h.OnDescriptorDiscoveryComplete(conn, c, nil)
		})
	})
	return nil
}

// registerDescriptors indexes descriptors found outside the profile walk and
// returns their records. Descriptors without a platform handle get one from
// the synthetic allocator.
func (s *Stack) registerDescriptors(value gatt.Handle, ch *ble.Characteristic, found []*ble.Descriptor) []gatt.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []gatt.Descriptor
	for _, d := range found {
		dh := gatt.Handle(d.Handle)
		if dh == gatt.InvalidHandle {
			dh = s.synthNext
			s.synthNext++
		}
		rec := gatt.Descriptor{UUID: gatt.NormalizeUUID(d.UUID.String()), Handle: dh}
		records = append(records, rec)
		s.descs[dh] = d
		if rec.UUID == gatt.DescriptorClientConfig {
			s.cccds[dh] = subTarget{char: ch, value: value}
		}
	}
	s.charDescs[value] = records
	return records
}

// CancelDescriptorDiscovery implements gatt.Stack. The in-flight replay
// observes the flag between records; completion is still delivered.
func (s *Stack) CancelDescriptorDiscovery(conn gatt.ConnHandle, _ gatt.Characteristic) error {
	if _, err := s.clientFor(conn); err != nil {
		return err
	}
	s.cancelDesc.Store(true)
	return nil
}

// WriteDescriptor implements gatt.Stack. Writes to a Client Characteristic
// Configuration descriptor are translated into go-ble subscribe calls, since
// the platform stack owns the actual CCCD write on most transports; other
// descriptors are written directly.
func (s *Stack) WriteDescriptor(conn gatt.ConnHandle, h gatt.Handle, value []byte) error {
	cli, err := s.clientFor(conn)
	if err != nil {
		return err
	}
	s.mu.RLock()
	target, isCCCD := s.cccds[h]
	d := s.descs[h]
	s.mu.RUnlock()

	if isCCCD {
		cfg, perr := gatt.ParseClientConfig(value)
		if perr != nil {
			return perr
		}
		dispatch.Go(context.Background(), "gatt-subscribe", func(context.Context) {
			var serr error
			switch {
			case cfg.Indications:
				serr = cli.Subscribe(target.char, true, s.notifyHandler(conn, target.value, gatt.KindIndication))
			case cfg.Notifications:
				serr = cli.Subscribe(target.char, false, s.notifyHandler(conn, target.value, gatt.KindNotification))
			default:
				if e := cli.Unsubscribe(target.char, false); e != nil {
					serr = e
				}
				if e := cli.Unsubscribe(target.char, true); e != nil && serr == nil {
					serr = e
				}
			}
			s.post(func(eh gatt.EventHandler) { eh.OnWriteComplete(conn, h, gatt.NormalizeError(serr)) })
		})
		return nil
	}

	if d == nil {
		return fmt.Errorf("no descriptor at %s", h)
	}
	val := append([]byte(nil), value...)
	dispatch.Go(context.Background(), "gatt-desc-write", func(context.Context) {
		werr := cli.WriteDescriptor(d, val)
		s.post(func(eh gatt.EventHandler) { eh.OnWriteComplete(conn, h, gatt.NormalizeError(werr)) })
	})
	return nil
}

// notifyHandler adapts go-ble value pushes for one characteristic into
// OnValueChanged events on the dispatch queue.
func (s *Stack) notifyHandler(conn gatt.ConnHandle, value gatt.Handle, kind gatt.ValueKind) ble.NotificationHandler {
	return func(data []byte) {
		val := append([]byte(nil), data...)
		s.post(func(h gatt.EventHandler) { h.OnValueChanged(conn, value, val, kind) })
	}
}

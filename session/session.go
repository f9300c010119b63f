// Package session runs the connect, discover, listen, disconnect lifecycle
// around a monitor and hands the live session to a caller-supplied callback.
// The inspect and monitor commands are both thin callbacks over Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/gatt/goble"
	"github.com/srg/gattmon/internal/monitor"
	"github.com/srg/gattmon/internal/ringchan"
)

// ProgressCallback is called when the session phase changes
type ProgressCallback func(phase string)

// Transport is the connection-owning side of the stack: the request
// interface plus link lifecycle.
type Transport interface {
	gatt.Stack
	Connect(ctx context.Context, address string, timeout time.Duration) (gatt.ConnectionEvent, error)
	Disconnected() <-chan struct{}
	Close() error
}

// NewTransport creates the transport a session connects through.
// This is a variable so that it can be overridden in tests.
var NewTransport = func(logger *logrus.Logger) Transport {
	return goble.NewStack(logger)
}

// Options defines options for running a monitoring session
type Options struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration

	// Monitor knobs, forwarded to monitor.Options. Zero selects the
	// monitor defaults.
	MaxValueLen        int
	MaxCharacteristics int
	Policy             monitor.SubscribePolicy
}

// DefaultOptions returns the default session options
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout:   30 * time.Second,
		DiscoveryTimeout: 30 * time.Second,
	}
}

// Session is the live connected state handed to the Run callback. The
// discovery pipeline has reached the listening state by the time the
// callback sees it.
type Session struct {
	address   string
	ev        gatt.ConnectionEvent
	mon       *monitor.Monitor
	out       *ringchan.RingChannel[monitor.Update]
	transport Transport
}

// Address returns the peripheral address the session is connected to.
func (s *Session) Address() string { return s.address }

// Connection returns the connection event the discovery was bound to.
func (s *Session) Connection() gatt.ConnectionEvent { return s.ev }

// Monitor returns the running monitor for registry and MTU inspection.
func (s *Session) Monitor() *monitor.Monitor { return s.mon }

// Updates returns the publication channel carrying subscribed values. It is
// closed when the session stops.
func (s *Session) Updates() <-chan monitor.Update { return s.out.C() }

// Disconnected is closed when the peripheral drops the link.
func (s *Session) Disconnected() <-chan struct{} { return s.transport.Disconnected() }

// ChannelMetrics returns the publication channel counters.
func (s *Session) ChannelMetrics() ringchan.Metrics { return s.out.GetMetrics() }

// Callback processes a live session and produces output of type R
type Callback[R any] func(s *Session) (R, error)

// Run connects to a device, drives the discovery pipeline until it reaches
// the listening state, and executes the callback with the live session. The
// lifecycle (connection, monitor teardown, disconnection) is managed
// automatically. Optional progressCallback can be provided for phase
// updates.
func Run[R any](ctx context.Context, address string, opts *Options, logger *logrus.Logger, progressCallback ProgressCallback, callback Callback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}
	if callback == nil {
		return zero, errors.New("session callback is required")
	}

	// Report phase change: starting connection
	progressCallback("Connecting")

	transport := NewTransport(logger)
	ev, err := transport.Connect(ctx, address, opts.ConnectTimeout)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}

	// discovered resolves once the pipeline settles: nil on the listening
	// transition, an error when discovery could not even be launched.
	discovered := make(chan error, 1)
	settle := func(err error) {
		select {
		case discovered <- err:
		default:
		}
	}

	out := ringchan.NewRingChannel[monitor.Update](1)
	mon := monitor.New(monitor.Options{
		Logger:             logger,
		MaxValueLen:        opts.MaxValueLen,
		MaxCharacteristics: opts.MaxCharacteristics,
		Policy:             opts.Policy,
		OnStateChange: func(old, next monitor.State) {
			switch {
			case next == monitor.StateListening:
				settle(nil)
			case old == monitor.StateServiceDiscovery && next == monitor.StateIdle:
				settle(errors.New("service discovery could not be launched"))
			}
		},
	})

	// Tear down in order: close the link first so the dispatch queue is
	// quiet, then stop the monitor, which closes the publication channel.
	defer func() {
		progressCallback("Disconnecting")
		if err := transport.Close(); err != nil {
			logger.WithError(err).Error("failed to disconnect device")
		}
		mon.Stop()
	}()

	// Report phase change: binding channel and stack
	progressCallback("Starting")

	if err := mon.Setup(out); err != nil {
		return zero, err
	}
	if err := mon.Start(transport); err != nil {
		return zero, err
	}

	// Report phase change: running the discovery pipeline
	progressCallback("Discovering")

	if err := mon.StartDiscovery(ev); err != nil {
		return zero, err
	}

	discoveryTimer := time.NewTimer(opts.DiscoveryTimeout)
	defer discoveryTimer.Stop()
	select {
	case err := <-discovered:
		if err != nil {
			return zero, err
		}
	case <-transport.Disconnected():
		return zero, fmt.Errorf("%w: connection lost during discovery", gatt.ErrNotConnected)
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-discoveryTimer.C:
		return zero, fmt.Errorf("discovery timed out after %s", opts.DiscoveryTimeout)
	}

	// Report phase change: pipeline settled, values flowing
	progressCallback("Listening")

	return callback(&Session{
		address:   address,
		ev:        ev,
		mon:       mon,
		out:       out,
		transport: transport,
	})
}

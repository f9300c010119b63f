package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/gattmon/internal/gatt"
)

// FakeTransport wraps a stack with the link lifecycle a session needs:
// scripted connect results, a closable disconnect channel, and a close
// trace. The zero ConnHandle defaults to 0x0040.
type FakeTransport struct {
	gatt.Stack

	// ConnectErr, when set, makes Connect fail.
	ConnectErr error

	// CloseErr, when set, is returned by Close (after recording the call).
	CloseErr error

	// Handle is the connection handle reported by Connect.
	Handle gatt.ConnHandle

	mu           sync.Mutex
	connectCalls int
	closeCalls   int
	lastAddress  string
	dropped      bool
	disconnected chan struct{}
}

// NewFakeTransport wraps the given stack. Pass a FakeStack for scripted
// profiles or any other gatt.Stack for special behavior.
func NewFakeTransport(stack gatt.Stack) *FakeTransport {
	return &FakeTransport{
		Stack:        stack,
		Handle:       0x0040,
		disconnected: make(chan struct{}),
	}
}

func (t *FakeTransport) Connect(ctx context.Context, address string, timeout time.Duration) (gatt.ConnectionEvent, error) {
	t.mu.Lock()
	t.connectCalls++
	t.lastAddress = address
	t.mu.Unlock()

	if t.ConnectErr != nil {
		return gatt.ConnectionEvent{}, t.ConnectErr
	}
	return gatt.ConnectionEvent{Handle: t.Handle, Addr: address}, nil
}

func (t *FakeTransport) Disconnected() <-chan struct{} {
	return t.disconnected
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	t.mu.Unlock()
	return t.CloseErr
}

// DropLink simulates the peripheral dropping the connection. Idempotent.
func (t *FakeTransport) DropLink() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dropped {
		t.dropped = true
		close(t.disconnected)
	}
}

// ConnectCalls returns how many times Connect was invoked.
func (t *FakeTransport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

// CloseCalls returns how many times Close was invoked.
func (t *FakeTransport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// LastAddress returns the address passed to the most recent Connect.
func (t *FakeTransport) LastAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAddress
}

// Package ptyio provides the PTY endpoint behind `monitor --pty`: an async
// pseudo-terminal master wrapper that mirrors notification payloads to a
// slave TTY other processes can open.
//
// Writes never block. Payloads are queued in a ring buffer and transmitted
// by a background loop; when the buffer fills, the newest bytes are dropped
// and counted in Stats. Bytes arriving from the slave side are drained into
// a read ring and exposed through the non-blocking Read.
//
// The poll timeout bounds how long the loops wait for I/O readiness before
// rechecking cancellation. It is the ceiling on shutdown latency and the
// floor on idle wakeup frequency: 10-25ms suits interactive use, the 50ms
// default suits payload mirroring, 100-200ms minimizes idle CPU.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/gattmon/internal/dispatch"
)

// ErrorCallback is invoked when a critical error terminates the read or
// write loop. Called from background goroutines; implementations must be
// thread-safe. The PTY is degraded afterwards and should be closed.
type ErrorCallback func(err error)

// Options configures PTY creation. Zero values use the defaults.
type Options struct {
	ReadCap       int            // ring capacity for bytes read from the slave side
	WriteCap      int            // ring capacity for bytes queued to the slave
	Logger        *logrus.Logger // optional logger (nil = no-op logger)
	OnError       ErrorCallback  // optional callback for critical loop failures
	PollTimeoutMs int            // poll timeout in milliseconds (0 = DefaultPollTimeoutMs)
}

// PTY is a non-blocking pseudo-terminal endpoint.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats    // runtime counters
	TTYName() string // slave device path, e.g. "/dev/pts/5"
}

// Stats provides runtime counters useful for monitoring and backpressure.
type Stats struct {
	WriteQueueLen int32 // approximate
	WriteQueueCap int32
	ReadQueueLen  int32
	ReadQueueCap  int32

	DroppedWriteCount uint64 // bytes dropped on write ring overflow
	DroppedReadCount  uint64 // bytes dropped on read ring overflow
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

// DefaultPollTimeoutMs is the default poll timeout for the I/O loops.
const DefaultPollTimeoutMs = 50

// noopLogger is shared by PTYs created without a logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// ringPTY implements PTY over a master/slave pair with two background
// loops: one flushing the write ring to the master, one draining the master
// into the read ring.
type ringPTY struct {
	logger         *logrus.Logger
	tty            *os.File // slave, kept open so the device node outlives external openers
	pty            *os.File // master
	onError        ErrorCallback
	writeErrorOnce sync.Once
	readErrorOnce  sync.Once
	pollTimeoutMs  int

	writeBuf *ringbuffer.RingBuffer // bytes to transmit to the slave
	readBuf  *ringbuffer.RingBuffer // bytes received from the slave

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed uint32 // atomic boolean

	droppedWrite uint64
	droppedRead  uint64
	readBytes    uint64
	writeBytes   uint64

	ttyName string
}

// NewPty creates a master/slave pair, wraps the master and returns the PTY.
// The slave path (TTYName) may be handed to another process. A nil logger
// selects the no-op logger.
func NewPty(readCap, writeCap int, logger *logrus.Logger) (PTY, error) {
	return NewPtyWithOptions(&Options{
		ReadCap:  readCap,
		WriteCap: writeCap,
		Logger:   logger,
	})
}

// NewPtyWithOptions creates a PTY with full configuration control.
func NewPtyWithOptions(opts *Options) (PTY, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	pollTimeout := opts.PollTimeoutMs
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	p := &ringPTY{
		logger:        logger,
		pty:           master,
		tty:           slave,
		ttyName:       slave.Name(),
		writeBuf:      ringbuffer.New(opts.WriteCap),
		readBuf:       ringbuffer.New(opts.ReadCap),
		ctx:           ctx,
		cancel:        cancel,
		onError:       opts.OnError,
		pollTimeoutMs: pollTimeout,
	}

	p.wg.Add(2)

	dispatch.Go(ctx, "pty-write-loop", func(context.Context) {
		p.masterWriteLoop()
	})

	dispatch.Go(ctx, "pty-read-loop", func(context.Context) {
		p.masterReadLoop()
	})

	return p, nil
}

// masterWriteLoop flushes the write ring to the master FD.
func (p *ringPTY) masterWriteLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("write loop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	// Close() nils p.pty after the loops exit; work on a captured reference.
	master := p.pty
	fd := int(master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.writeBuf.IsEmpty() {
			// Nothing queued; sleep in poll so cancellation is still seen.
			nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
			if err != nil && !errors.Is(err, syscall.EINTR) {
				p.logger.Warnf("write loop poll error: %v", err)
			}
			if nReady == 0 {
				continue
			}
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.Warnf("write loop TryRead error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		offset := 0
		for offset < n {
			written, err := master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				atomic.AddUint64(&p.writeBytes, uint64(written))
			}

			if err != nil {
				switch {
				case errors.Is(err, syscall.EINTR):
					continue
				case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
					if _, pollErr := unix.Poll(pollFd, p.pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
						p.logger.Warnf("write loop poll error: %v", pollErr)
					}
					continue
				case errors.Is(err, syscall.EBADF):
					// FD closed, expected during Close()
					p.logger.Debug("write loop exiting: master FD closed")
					return
				default:
					p.logger.Warnf("write loop exiting on error: %v", err)
					if p.onError != nil {
						p.writeErrorOnce.Do(func() {
							p.onError(fmt.Errorf("write loop critical error: %w", err))
						})
					}
					return
				}
			}
		}
	}
}

// masterReadLoop drains the master FD into the read ring so slave-side
// writers never wedge on a full kernel buffer.
func (p *ringPTY) masterReadLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("read loop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	master := p.pty
	fd := int(master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.Warnf("read loop poll error: %v", err)
			continue
		}
		if nReady == 0 {
			continue
		}

		n, err := master.Read(buf)

		if n > 0 {
			written, writeErr := p.readBuf.Write(buf[:n])
			if writeErr != nil && !errors.Is(writeErr, ringbuffer.ErrIsFull) {
				p.logger.Warnf("read loop buffer error: %v", writeErr)
				continue
			}
			if written < n {
				dropped := n - written
				atomic.AddUint64(&p.droppedRead, uint64(dropped))
				p.logger.Warnf("read buffer overflow: dropped %d of %d bytes from slave", dropped, n)
			}
			atomic.AddUint64(&p.readBytes, uint64(written))
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				continue
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF):
				p.logger.Debug("read loop exiting: master FD closed")
				return
			case errors.Is(err, io.EOF):
				// Slave side closed
				p.logger.Debug("read loop exiting: EOF")
				return
			default:
				p.logger.Warnf("read loop exiting on error: %v", err)
				if p.onError != nil {
					p.readErrorOnce.Do(func() {
						p.onError(fmt.Errorf("read loop critical error: %w", err))
					})
				}
				return
			}
		}
	}
}

// Write queues data for async transmission to the slave and returns
// immediately. When the ring is full only a prefix is queued; the shortfall
// is counted in Stats().DroppedWriteCount. A short count does not mean the
// queued bytes reached the slave yet, only that they were accepted.
func (p *ringPTY) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		p.logger.Warnf("write error: %v", err)
		return 0, err
	}

	if written < len(data) {
		dropped := len(data) - written
		atomic.AddUint64(&p.droppedWrite, uint64(dropped))
		p.logger.Warnf("write buffer overflow: dropped %d of %d bytes", dropped, len(data))
	}

	return written, nil
}

// Read copies up to len(b) buffered slave-side bytes and returns
// immediately. With nothing buffered it returns syscall.EAGAIN; callers
// poll and retry.
func (p *ringPTY) Read(b []byte) (n int, err error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err = p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		p.logger.Warnf("read TryRead error: %v", err)
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// Close stops the loops and closes both FDs. Safe to call repeatedly.
func (p *ringPTY) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel()

	// Closing the FDs turns in-flight I/O into EBADF so the loops exit
	// without waiting out a full poll interval.
	if p.pty != nil {
		if err := p.pty.Close(); err != nil {
			p.logger.Warnf("failed to close PTY master: %v", err)
		}
	}
	if p.tty != nil {
		if err := p.tty.Close(); err != nil {
			p.logger.Warnf("failed to close PTY slave: %v", err)
		}
	}

	done := make(chan struct{})
	dispatch.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond*2 + time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
	case <-time.After(timeout):
		// The loops self-terminate within one poll interval of the FD
		// close; log and move on rather than blocking forever.
		p.logger.Errorf("Close() timed out after %v waiting for I/O loops (tty=%s); loops will self-terminate within %dms",
			timeout, p.ttyName, p.pollTimeoutMs)
	}

	p.pty = nil
	p.tty = nil

	return nil
}

// Stats returns instantaneous counters for monitoring.
func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     int32(p.writeBuf.Length()),
		WriteQueueCap:     int32(p.writeBuf.Capacity()),
		ReadQueueLen:      int32(p.readBuf.Length()),
		ReadQueueCap:      int32(p.readBuf.Capacity()),
		DroppedWriteCount: atomic.LoadUint64(&p.droppedWrite),
		DroppedReadCount:  atomic.LoadUint64(&p.droppedRead),
		ReadBytesTotal:    atomic.LoadUint64(&p.readBytes),
		WriteBytesTotal:   atomic.LoadUint64(&p.writeBytes),
	}
}

// TTYName returns the slave device path, e.g. "/dev/pts/5".
func (p *ringPTY) TTYName() string {
	return p.ttyName
}

// createPTY opens a master/slave pair, puts the slave in raw mode and the
// master in non-blocking mode.
func createPTY() (master *os.File, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	// Raw mode: no echo, no line discipline mangling of binary payloads.
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, closePTYAfterSetupError(master, slave,
			fmt.Errorf("failed to set PTY slave %s to raw mode: %w", slave.Name(), err))
	}

	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, closePTYAfterSetupError(master, slave,
			fmt.Errorf("failed to set PTY master to nonblocking mode: %w", err))
	}

	return master, slave, nil
}

// closePTYAfterSetupError closes both FDs, folding close failures into err.
func closePTYAfterSetupError(master, slave *os.File, err error) error {
	var cleanupErrs []error
	if closeErr := master.Close(); closeErr != nil {
		cleanupErrs = append(cleanupErrs, fmt.Errorf("close master: %w", closeErr))
	}
	if closeErr := slave.Close(); closeErr != nil {
		cleanupErrs = append(cleanupErrs, fmt.Errorf("close slave: %w", closeErr))
	}
	if len(cleanupErrs) > 0 {
		return fmt.Errorf("%w (cleanup errors: %v)", err, cleanupErrs)
	}
	return err
}

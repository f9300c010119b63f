// Package collect provides the flight recorder behind `monitor --tail`: a
// goroutine draining a record channel into an overlapped MPMC ring buffer
// that keeps the most recent records for a post-run dump.
package collect

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// RecorderMetrics provides lock-free metrics tracking for Recorder.
// All fields use atomic operations for thread-safe access.
type RecorderMetrics struct {
	RecordsProcessed int64 // Total records successfully processed
	ErrorsOccurred   int64 // Total errors encountered

	// TODO: replace with the ring's own count once https://github.com/hedzr/go-ringbuf/issues/7 lands
	RecordsOverwritten int64 // Records lost to buffer overflow
}

// IncrementRecordsProcessed atomically increments the records processed counter
func (m *RecorderMetrics) IncrementRecordsProcessed() {
	atomic.AddInt64(&m.RecordsProcessed, 1)
}

// IncrementErrorsOccurred atomically increments the error counter
func (m *RecorderMetrics) IncrementErrorsOccurred() {
	atomic.AddInt64(&m.ErrorsOccurred, 1)
}

// IncrementRecordsOverwritten atomically increments the overwritten records counter
func (m *RecorderMetrics) IncrementRecordsOverwritten(count uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(count))
}

// GetRecordsProcessed atomically reads the records processed counter
func (m *RecorderMetrics) GetRecordsProcessed() int64 {
	return atomic.LoadInt64(&m.RecordsProcessed)
}

// GetErrorsOccurred atomically reads the error counter
func (m *RecorderMetrics) GetErrorsOccurred() int64 {
	return atomic.LoadInt64(&m.ErrorsOccurred)
}

// GetRecordsOverwritten atomically reads the overwritten records counter
func (m *RecorderMetrics) GetRecordsOverwritten() int64 {
	return atomic.LoadInt64(&m.RecordsOverwritten)
}

// Reset resets all counters to zero
func (m *RecorderMetrics) Reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
}

// Recorder lifecycle states (uint32 required for atomic ops).
const (
	StateNotRunning uint32 = iota // Recorder is not running and ready to start
	StateRunning                  // Recorder is running and recording
	StateStopping                 // Recorder is in the process of stopping

	// MaxBufferSize sets an upper limit on the buffer size to guard against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024 // 1M records max
)

// Recorder drains records from a channel into a ring buffer that overwrites
// its oldest entries on overflow, so the buffer always holds the tail of the
// stream.
//
// All methods are thread-safe.
type Recorder[T any] struct {
	records <-chan T
	buffer  mpmc.RichOverlappedRingBuffer[T]
	stop    chan struct{}
	done    chan struct{}   // signals when goroutine has stopped
	onError func(error)     // error handler, defaults to panic if nil
	metrics RecorderMetrics // lock-free metrics tracking
	state   uint32          // atomic state using the State constants
}

// New creates a recorder draining ch.
// capacity sets the ring buffer size.
// onError is called when unexpected errors occur; if nil, it panics on any recording error.
func New[T any](ch <-chan T, capacity uint32, onError func(error)) (*Recorder[T], error) {
	if ch == nil {
		return nil, fmt.Errorf("record channel cannot be nil")
	}

	if capacity == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}

	if capacity > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", capacity, MaxBufferSize)
	}

	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("collect.Recorder: %v", err))
		}
	}

	return &Recorder[T]{
		records: ch,
		buffer:  mpmc.NewOverlappedRingBuffer[T](capacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		state:   StateNotRunning,
	}, nil
}

// Start begins recording.
// Blocks until the recorder goroutine is running or times out.
// Returns an error if already started or if startup takes too long.
func (r *Recorder[T]) Start() error {
	if !atomic.CompareAndSwapUint32(&r.state, StateNotRunning, StateRunning) {
		currentState := atomic.LoadUint32(&r.state)
		switch currentState {
		case StateRunning:
			return fmt.Errorf("recorder is already running")
		case StateStopping:
			return fmt.Errorf("recorder is stopping, wait for it to finish")
		default:
			return fmt.Errorf("recorder is in unknown state %d", currentState)
		}
	}

	// Fresh channels per start cycle to prevent "close of closed channel"
	// panics on restart.
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	// Buffered so the goroutine never blocks on the signal even when the
	// startup timeout wins the race.
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}

		defer func() {
			close(r.done)
			atomic.StoreUint32(&r.state, StateNotRunning)
		}()
		for {
			select {
			case <-r.stop:
				return
			case rec, ok := <-r.records:
				if !ok {
					return // channel closed
				}
				// Ring buffer handles overflow by dropping the oldest
				if overwrites, err := r.buffer.EnqueueM(rec); err != nil {
					r.metrics.IncrementErrorsOccurred()
					r.onError(fmt.Errorf("unexpected buffer.Enqueue error: %w", err))
					return
				} else {
					r.metrics.IncrementRecordsOverwritten(overwrites)
					r.metrics.IncrementRecordsProcessed()
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(1 * time.Second):
		close(r.stop)
		<-r.done
		return fmt.Errorf("recorder failed to start within 1s timeout")
	}
}

// Stop stops recording.
// Returns an error if stopping takes longer than expected.
func (r *Recorder[T]) Stop() error {
	if !atomic.CompareAndSwapUint32(&r.state, StateRunning, StateStopping) {
		currentState := atomic.LoadUint32(&r.state)
		switch currentState {
		case StateNotRunning:
			return nil // Already stopped
		case StateStopping:
			// Already stopping, wait for completion
			break
		default:
			return fmt.Errorf("recorder is in unknown state %d", currentState)
		}
	} else {
		close(r.stop)
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		// Stop was already signaled; block until the goroutine actually
		// exits so the state stays consistent.
		<-r.done
		return fmt.Errorf("stop completed but exceeded 5s timeout (possible slow shutdown or deadlock)")
	}
}

// GetState returns the current state of the recorder
func (r *Recorder[T]) GetState() uint32 {
	return atomic.LoadUint32(&r.state)
}

// GetMetrics returns a copy of the current metrics
func (r *Recorder[T]) GetMetrics() RecorderMetrics {
	return RecorderMetrics{
		RecordsProcessed:   r.metrics.GetRecordsProcessed(),
		ErrorsOccurred:     r.metrics.GetErrorsOccurred(),
		RecordsOverwritten: r.metrics.GetRecordsOverwritten(),
	}
}

// ResetMetrics atomically resets all metric counters
func (r *Recorder[T]) ResetMetrics() {
	r.metrics.Reset()
}

// Drain removes every buffered record and returns them oldest first. The
// usual way to dump the recorded tail after Stop.
func (r *Recorder[T]) Drain() ([]T, error) {
	var out []T
	for !r.buffer.IsEmpty() {
		rec, err := r.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("buffer dequeue error: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ConsumerFunc defines the signature of a function that consumes buffered records.
//
// Protocol:
// - If record != nil: Process the record.
// Return (nil, nil) to continue processing more records.
// Return (result, nil) to stop early with a final result.
// - If record == nil: No more records will be provided.
// Return the final accumulated result.
//
// The function is responsible for managing any internal state or buffers
// needed across calls. For a whole-buffer dump without the protocol, use
// Drain.
type ConsumerFunc[T, R any] func(record *T) (R, error)

// Consume drains buffered records through the given ConsumerFunc.
//
// The consumer decides when to stop and what result to return. See ConsumerFunc for the processing protocol.
func Consume[T, R any](r *Recorder[T], consumer ConsumerFunc[T, R]) (R, error) {
	for !r.buffer.IsEmpty() {
		rec, err := r.buffer.Dequeue()
		if err != nil {
			var zero R
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}

		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}

		// A non-zero result means the consumer wants to stop
		if !isZeroValue(result) {
			return result, nil
		}
	}

	// No more data - call consumer with nil to get the final result
	return consumer(nil)
}

// isZeroValue checks if a value is the zero value for its type
func isZeroValue[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

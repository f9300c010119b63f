// Package dispatch provides the serial execution context on which stack
// events are delivered: a single named goroutine draining a job queue in
// submission order. It also provides the named-goroutine helper used across
// the codebase.
package dispatch

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine carrying a pprof label and context value with its
// name, so stack dumps and profiles identify it.
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Queue lifecycle states.
const (
	queueIdle uint32 = iota
	queueRunning
	queueStopping
)

const (
	// DefaultQueueDepth bounds how many jobs may be pending before Post
	// rejects new ones.
	DefaultQueueDepth = 64

	startTimeout = 1 * time.Second
	stopTimeout  = 5 * time.Second
)

// Queue executes posted jobs one at a time, in submission order, on a single
// dedicated goroutine. It models the event-dispatch context the discovery
// callbacks run on: no two jobs ever overlap.
type Queue struct {
	name   string
	logger *logrus.Logger
	jobs   chan func()
	stop   chan struct{}
	done   chan struct{}
	state  uint32 // atomic, one of the queue* constants
}

// NewQueue creates a queue with the given name (used for the goroutine
// label) and depth. depth <= 0 selects DefaultQueueDepth. A nil logger
// discards output.
func NewQueue(name string, depth int, logger *logrus.Logger) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Queue{
		name:   name,
		logger: logger,
		jobs:   make(chan func(), depth),
	}
}

// Start launches the dispatch goroutine. Blocks until it is running or the
// startup times out. Returns an error if the queue is already running.
func (q *Queue) Start() error {
	if !atomic.CompareAndSwapUint32(&q.state, queueIdle, queueRunning) {
		switch atomic.LoadUint32(&q.state) {
		case queueRunning:
			return fmt.Errorf("dispatch queue %q is already running", q.name)
		default:
			return fmt.Errorf("dispatch queue %q is stopping, wait for it to finish", q.name)
		}
	}

	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	started := make(chan struct{}, 1)

	Go(context.Background(), q.name, func(ctx context.Context) {
		started <- struct{}{}

		defer func() {
			close(q.done)
			atomic.StoreUint32(&q.state, queueIdle)
		}()

		for {
			select {
			case <-q.stop:
				return
			case job := <-q.jobs:
				q.run(job)
			}
		}
	})

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		close(q.stop)
		<-q.done
		return fmt.Errorf("dispatch queue %q failed to start within %v", q.name, startTimeout)
	}
}

// run executes one job, turning a panic into a logged error so the queue
// keeps dispatching.
func (q *Queue) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"queue": q.name,
				"panic": r,
			}).Error("dispatch job panicked (recovered)")
		}
	}()
	job()
}

// Post submits a job for serial execution. Returns an error when the queue
// is not running or its backlog is full; the job is not executed in either
// case.
func (q *Queue) Post(job func()) error {
	if atomic.LoadUint32(&q.state) != queueRunning {
		return fmt.Errorf("dispatch queue %q is not running", q.name)
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("dispatch queue %q backlog is full (%d pending)", q.name, cap(q.jobs))
	}
}

// Stop halts dispatching. Pending jobs that were not yet started are
// discarded. Safe to call when already stopped.
func (q *Queue) Stop() error {
	if !atomic.CompareAndSwapUint32(&q.state, queueRunning, queueStopping) {
		if atomic.LoadUint32(&q.state) == queueIdle {
			return nil
		}
	} else {
		close(q.stop)
	}

	select {
	case <-q.done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("dispatch queue %q did not stop within %v", q.name, stopTimeout)
	}
}

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCarriesName(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	var got string
	Go(nil, "named-worker", func(ctx context.Context) {
		got = GetName(ctx)
		wg.Done()
	})

	wg.Wait()
	assert.Equal(t, "named-worker", got)
}

func TestQueueExecutesInOrder(t *testing.T) {
	q := NewQueue("test-queue", 16, nil)
	require.NoError(t, q.Start())
	defer func() { _ = q.Stop() }()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, q.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueueRejectsWhenNotRunning(t *testing.T) {
	q := NewQueue("idle-queue", 4, nil)
	err := q.Post(func() {})
	assert.Error(t, err)

	require.NoError(t, q.Start())
	require.NoError(t, q.Stop())

	err = q.Post(func() {})
	assert.Error(t, err)
}

func TestQueueDoubleStartFails(t *testing.T) {
	q := NewQueue("dup-queue", 4, nil)
	require.NoError(t, q.Start())
	defer func() { _ = q.Stop() }()

	assert.Error(t, q.Start())
}

func TestQueueStopIsIdempotent(t *testing.T) {
	q := NewQueue("stop-queue", 4, nil)
	require.NoError(t, q.Start())

	require.NoError(t, q.Stop())
	require.NoError(t, q.Stop())
}

func TestQueueSurvivesPanickingJob(t *testing.T) {
	q := NewQueue("panic-queue", 4, nil)
	require.NoError(t, q.Start())
	defer func() { _ = q.Stop() }()

	done := make(chan struct{})
	require.NoError(t, q.Post(func() { panic("boom") }))
	require.NoError(t, q.Post(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stopped dispatching after a panicking job")
	}
}

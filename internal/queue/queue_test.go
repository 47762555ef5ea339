package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueue_FIFO(t *testing.T) {
	q := New(4)
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(id)
		require.NoError(t, err)
	}
	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := New(2)
	_, err := q.Enqueue("a")
	require.NoError(t, err)
	_, err = q.Enqueue("b")
	require.NoError(t, err)

	dropped, err := q.Enqueue("c")
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, "a", dropped)

	dropped, err = q.Enqueue("d")
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, "b", dropped)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"c", "d"}, q.Drain())
}

func TestQueue_EnqueueNeverBlocks(t *testing.T) {
	q := New(8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			_, _ = q.Enqueue(fmt.Sprintf("job-%d", i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Equal(t, 8, q.Len())
	ids := q.Drain()
	assert.Equal(t, "job-9992", ids[0])
	assert.Equal(t, "job-9999", ids[7])
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(1000)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := q.Enqueue(fmt.Sprintf("%d-%d", p, i))
				assert.NoError(t, err)
			}
		}(p)
	}

	seen := make(map[string]struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(seen) < 800 {
		id, ok := q.Dequeue(ctx)
		require.True(t, ok, "timed out after %d ids", len(seen))
		seen[id] = struct{}{}
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestQueue_Close(t *testing.T) {
	q := New(4)
	_, err := q.Enqueue("a")
	require.NoError(t, err)
	q.Close()
	q.Close()

	_, err = q.Enqueue("b")
	assert.ErrorIs(t, err, ErrClosed)

	id, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", id)

	_, ok = q.Dequeue(context.Background())
	assert.False(t, ok)
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}

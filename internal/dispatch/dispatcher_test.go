package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/dispatch"
)

func TestDispatcher_RunsWritesInOrderPerKey(t *testing.T) {
	t.Parallel()

	d := dispatch.New(4, 64, nil)
	d.Start()

	var mu sync.Mutex
	got := make(map[string][]int)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		for i := range 20 {
			wg.Add(1)
			ok := d.Send(dispatch.Write{
				Key: key,
				Run: func(context.Context) error {
					mu.Lock()
					got[key] = append(got[key], i)
					mu.Unlock()
					return nil
				},
				Done: func(error) { wg.Done() },
			})
			require.True(t, ok)
		}
	}

	wg.Wait()
	d.Stop()

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 20, key)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestDispatcher_DonePassesRunError(t *testing.T) {
	t.Parallel()

	d := dispatch.New(1, 1, nil)
	d.Start()
	defer d.Stop()

	wantErr := errors.New("boom")
	result := make(chan error, 1)

	ok := d.Send(dispatch.Write{
		Key:  "k",
		Run:  func(context.Context) error { return wantErr },
		Done: func(err error) { result <- err },
	})
	require.True(t, ok)
	assert.ErrorIs(t, <-result, wantErr)
}

func TestDispatcher_SendFailsWhenQueueFull(t *testing.T) {
	t.Parallel()

	// Not started, so nothing consumes the queue.
	d := dispatch.New(1, 2, nil)

	noop := dispatch.Write{Key: "k", Run: func(context.Context) error { return nil }}
	assert.True(t, d.Send(noop))
	assert.True(t, d.Send(noop))
	assert.False(t, d.Send(noop))
	assert.Equal(t, 2, d.Len())

	d.Stop()
	assert.Equal(t, 0, d.Len())
}

func TestDispatcher_StopDrainsQueuedWrites(t *testing.T) {
	t.Parallel()

	d := dispatch.New(2, 16, nil)

	var mu sync.Mutex
	ran := 0
	for i := range 10 {
		ok := d.Send(dispatch.Write{
			Key: fmt.Sprintf("k%d", i),
			Run: func(context.Context) error {
				mu.Lock()
				ran++
				mu.Unlock()
				return nil
			},
		})
		require.True(t, ok)
	}

	d.Start()
	d.Stop()

	assert.Equal(t, 10, ran)
}

func TestDispatcher_SendAfterStopIsRejected(t *testing.T) {
	t.Parallel()

	d := dispatch.New(1, 4, nil)
	d.Start()
	d.Stop()
	d.Stop()

	ok := d.Send(dispatch.Write{Key: "k", Run: func(context.Context) error { return nil }})
	assert.False(t, ok)
}

package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanesPreserveOrderPerKey(t *testing.T) {
	l := NewLanes(4, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	var mu sync.Mutex
	got := map[string][]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"@a", "@b", "@c"} {
			i, key := i, key
			wg.Add(1)
			require.NoError(t, l.Submit(ctx, key, func(context.Context) {
				defer wg.Done()
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	wg.Wait()

	for key, seq := range got {
		for i := range seq {
			assert.Equal(t, i, seq[i], "lane for %s reordered", key)
		}
	}
}

func TestLaneIsStable(t *testing.T) {
	l := NewLanes(16, 1)
	assert.Equal(t, l.Lane("@alice"), l.Lane("@alice"))
	assert.Less(t, l.Lane("@alice"), l.Len())
}

func TestSubmitAfterStop(t *testing.T) {
	l := NewLanes(2, 1)
	l.Start(context.Background())
	l.Stop()

	err := l.Submit(context.Background(), "k", func(context.Context) {})
	assert.ErrorIs(t, err, ErrLanesStopped)
}

func TestSubmitHonoursContext(t *testing.T) {
	l := NewLanes(1, 1)
	// Not started: the single slot fills and the next submit blocks.
	require.NoError(t, l.Submit(context.Background(), "k", func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Submit(ctx, "k", func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlushWaitsForQueuedTasks(t *testing.T) {
	l := NewLanes(3, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	var mu sync.Mutex
	ran := 0
	for _, key := range []string{"@a", "@b", "@c", "@d"} {
		require.NoError(t, l.Submit(ctx, key, func(context.Context) {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}

	require.NoError(t, l.Flush(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, ran)
}

package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ErrLanesStopped is returned by Submit after Stop.
var ErrLanesStopped = errors.New("chat: lanes stopped")

// Task is one unit of work run on a lane.
type Task func(ctx context.Context)

// Lanes runs tasks on a fixed set of serial queues. Tasks with the same key
// always land on the same lane, so they run one at a time in submit order.
type Lanes struct {
	queues  []chan Task
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

// NewLanes creates n lanes each buffering depth tasks.
func NewLanes(n, depth int) *Lanes {
	if n <= 0 {
		n = 1
	}
	if depth <= 0 {
		depth = 64
	}
	l := &Lanes{
		queues: make([]chan Task, n),
		done:   make(chan struct{}),
	}
	for i := range l.queues {
		l.queues[i] = make(chan Task, depth)
	}
	return l
}

// Start launches one goroutine per lane. Tasks receive ctx.
func (l *Lanes) Start(ctx context.Context) {
	l.started.Store(true)
	for _, q := range l.queues {
		l.wg.Add(1)
		go l.run(ctx, q)
	}
}

func (l *Lanes) run(ctx context.Context, q chan Task) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case task := <-q:
			task(ctx)
		}
	}
}

// Len returns the number of lanes.
func (l *Lanes) Len() int { return len(l.queues) }

// Lane returns the lane index for key.
func (l *Lanes) Lane(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(l.queues)))
}

// Submit queues task on the lane for key. It blocks while that lane is full.
func (l *Lanes) Submit(ctx context.Context, key string, task Task) error {
	select {
	case <-l.done:
		return ErrLanesStopped
	default:
	}
	select {
	case l.queues[l.Lane(key)] <- task:
		return nil
	case <-l.done:
		return ErrLanesStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends every lane after its current task. Queued tasks are dropped.
func (l *Lanes) Stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Flush blocks until every task queued before the call has run. Lanes that
// were never started have nothing to flush.
func (l *Lanes) Flush(ctx context.Context) error {
	if !l.started.Load() {
		return nil
	}
	var wg sync.WaitGroup
	for _, q := range l.queues {
		wg.Add(1)
		select {
		case q <- func(context.Context) { wg.Done() }:
		case <-l.done:
			return ErrLanesStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	flushed := make(chan struct{})
	go func() {
		wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-l.done:
		return ErrLanesStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

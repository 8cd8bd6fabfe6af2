package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bdobrica/kotoba/common/spec/envelope"
	"github.com/bdobrica/kotoba/common/trace"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// HandlerFunc processes one event.
type HandlerFunc func(ctx context.Context, evt *envelope.RoomEvent)

type pending struct {
	traceID string
	evt     *envelope.RoomEvent
}

// Dispatcher fans events out by room. Events of one room are handled one at
// a time in arrival order; different rooms proceed concurrently, with at
// most maxConcurrent handlers running at once.
type Dispatcher struct {
	handle HandlerFunc
	sem    *semaphore.Weighted

	// base is the parent of every handler context. It is cancelled only
	// when Close gives up waiting.
	base  context.Context
	abort context.CancelFunc

	mu     sync.Mutex
	queues map[string][]pending
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher returns a dispatcher running handle. maxConcurrent below one
// is treated as one.
func NewDispatcher(handle HandlerFunc, maxConcurrent int) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	base, abort := context.WithCancel(context.Background())
	return &Dispatcher{
		handle: handle,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		base:   base,
		abort:  abort,
		queues: make(map[string][]pending),
	}
}

// Submit enqueues evt behind earlier events of the same room and returns
// without waiting. Only the trace id of ctx is carried over, so handlers
// survive cancellation of the sync loop that delivered the event. Events
// submitted without a trace id get a fresh one.
func (d *Dispatcher) Submit(ctx context.Context, evt *envelope.RoomEvent) error {
	if evt == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	q, active := d.queues[evt.RoomID]
	d.queues[evt.RoomID] = append(q, pending{traceID: trace.FromContext(trace.Ensure(ctx)), evt: evt})
	if !active {
		d.wg.Add(1)
		go d.drain(evt.RoomID)
	}
	return nil
}

// drain handles a room's queue until it is empty, then retires.
func (d *Dispatcher) drain(roomID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[roomID]
		if len(q) == 0 {
			delete(d.queues, roomID)
			d.mu.Unlock()
			return
		}
		next := q[0]
		d.queues[roomID] = q[1:]
		d.mu.Unlock()

		if err := d.sem.Acquire(d.base, 1); err != nil {
			slog.Warn("dispatcher aborted; dropping event", "room", roomID, "event_id", next.evt.EventID)
			continue
		}
		ctx := d.base
		if next.traceID != "" {
			ctx = trace.WithTraceID(ctx, next.traceID)
		}
		d.handle(ctx, next.evt)
		d.sem.Release(1)
	}
}

// Close stops accepting events and waits until every queued event has been
// handled. If ctx ends first, running handlers are cancelled, the rest of
// the queues are dropped and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.abort()
		return nil
	case <-ctx.Done():
		d.abort()
		return ctx.Err()
	}
}

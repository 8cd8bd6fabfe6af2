package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/kotoba/common/spec/envelope"
	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/relay"
)

func closeWithin(t *testing.T, d *relay.Dispatcher, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDispatcher_PreservesPerRoomOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	d := relay.NewDispatcher(func(_ context.Context, evt *envelope.RoomEvent) {
		mu.Lock()
		seen[evt.RoomID] = append(seen[evt.RoomID], evt.Body)
		mu.Unlock()
	}, 4)

	const perRoom = 50
	for i := 0; i < perRoom; i++ {
		for _, room := range []string{"a", "b", "c"} {
			if err := d.Submit(context.Background(), text(room, "@alice:test", fmt.Sprint(i))); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	closeWithin(t, d, 5*time.Second)

	for _, room := range []string{"a", "b", "c"} {
		got := seen[room]
		if len(got) != perRoom {
			t.Fatalf("room %s: expected %d events, got %d", room, perRoom, len(got))
		}
		for i, body := range got {
			if body != fmt.Sprint(i) {
				t.Fatalf("room %s: position %d holds %q", room, i, body)
			}
		}
	}
}

func TestDispatcher_RoomsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	d := relay.NewDispatcher(func(_ context.Context, evt *envelope.RoomEvent) {
		started <- evt.RoomID
		<-release
	}, 2)

	_ = d.Submit(context.Background(), text("slow", "@alice:test", "1"))
	_ = d.Submit(context.Background(), text("other", "@bob:test", "1"))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("a blocked room held up another room")
		}
	}
	close(release)
	closeWithin(t, d, 5*time.Second)
}

func TestDispatcher_BoundsConcurrentHandlers(t *testing.T) {
	const limit = 2
	var running, peak atomic.Int32
	d := relay.NewDispatcher(func(context.Context, *envelope.RoomEvent) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	}, limit)

	for i := 0; i < 10; i++ {
		_ = d.Submit(context.Background(), text(fmt.Sprintf("room-%d", i), "@alice:test", "x"))
	}
	closeWithin(t, d, 5*time.Second)

	if p := peak.Load(); p > limit {
		t.Fatalf("expected at most %d concurrent handlers, saw %d", limit, p)
	}
}

func TestDispatcher_CarriesTraceIDOnly(t *testing.T) {
	got := make(chan context.Context, 1)
	d := relay.NewDispatcher(func(ctx context.Context, _ *envelope.RoomEvent) { got <- ctx }, 1)

	ctx, cancel := context.WithCancel(trace.WithTraceID(context.Background(), "t_abc"))
	cancel()
	if err := d.Submit(ctx, text("r1", "@alice:test", "x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	hctx := <-got
	if trace.FromContext(hctx) != "t_abc" {
		t.Errorf("expected trace id t_abc, got %q", trace.FromContext(hctx))
	}
	if hctx.Err() != nil {
		t.Errorf("handler context inherited cancellation: %v", hctx.Err())
	}
	closeWithin(t, d, time.Second)
}

func TestDispatcher_AssignsTraceIDWhenMissing(t *testing.T) {
	got := make(chan string, 2)
	d := relay.NewDispatcher(func(ctx context.Context, _ *envelope.RoomEvent) { got <- trace.FromContext(ctx) }, 1)

	for i := 0; i < 2; i++ {
		if err := d.Submit(context.Background(), text("r1", "@alice:test", fmt.Sprint(i))); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	first, second := <-got, <-got
	if first == "" || second == "" {
		t.Fatalf("expected generated trace ids, got %q and %q", first, second)
	}
	if first == second {
		t.Errorf("expected distinct trace ids per event, got %q twice", first)
	}
	closeWithin(t, d, time.Second)
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	d := relay.NewDispatcher(func(context.Context, *envelope.RoomEvent) {}, 1)
	closeWithin(t, d, time.Second)
	if err := d.Submit(context.Background(), text("r1", "@alice:test", "x")); !errors.Is(err, relay.ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcher_CloseTimeoutCancelsHandlers(t *testing.T) {
	cancelled := make(chan struct{})
	d := relay.NewDispatcher(func(ctx context.Context, _ *envelope.RoomEvent) {
		<-ctx.Done()
		close(cancelled)
	}, 1)
	_ = d.Submit(context.Background(), text("r1", "@alice:test", "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running handler was not cancelled")
	}
}

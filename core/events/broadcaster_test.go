package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"nftmarket/core/types"
)

func typed(name string) Event {
	return Typed{Payload: &types.Event{Type: name, Attributes: map[string]string{"k": name}}}
}

func TestBroadcasterBacklogRespectsCursor(t *testing.T) {
	b := NewBroadcaster(2)
	b.Emit(typed("a"))
	b.Emit(typed("b"))
	b.Emit(typed("c"))

	_, cancel, backlog := b.Subscribe(context.Background(), "")
	defer cancel()
	if len(backlog) != 2 {
		t.Fatalf("expected history trimmed to 2, got %d", len(backlog))
	}
	if backlog[0].Event.Type != "b" || backlog[1].Sequence != 3 {
		t.Fatalf("unexpected backlog %+v", backlog)
	}

	_, cancel2, backlog2 := b.Subscribe(context.Background(), "2")
	defer cancel2()
	if len(backlog2) != 1 || backlog2[0].Cursor != "3" {
		t.Fatalf("expected only sequence 3 after cursor 2, got %+v", backlog2)
	}
}

func TestBroadcasterDeliversLiveUpdates(t *testing.T) {
	b := NewBroadcaster(0)
	ctx, stop := context.WithCancel(context.Background())
	updates, _, _ := b.Subscribe(ctx, "")
	b.Emit(typed("listing"))

	select {
	case update := <-updates:
		if update.Event.Type != "listing" || update.Sequence != 1 {
			t.Fatalf("unexpected update %+v", update)
		}
		update.Event.Attributes["k"] = "mutated"
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	}

	_, _, backlog := b.Subscribe(context.Background(), "")
	if backlog[0].Event.Attributes["k"] != "listing" {
		t.Fatalf("subscriber mutation leaked into history")
	}

	stop()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription not closed after context cancel")
		}
	}
}

func TestMultiSkipsNilEmitters(t *testing.T) {
	b := NewBroadcaster(4)
	Multi{nil, NoopEmitter{}, b}.Emit(typed("x"))
	_, cancel, backlog := b.Subscribe(context.Background(), "")
	defer cancel()
	if len(backlog) != 1 {
		t.Fatalf("expected one event, got %d", len(backlog))
	}
}

func TestBroadcasterCancelDuringEmit(t *testing.T) {
	b := NewBroadcaster(8)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Emit(typed("tick"))
				}
			}
		}()
	}
	for i := 0; i < 5000; i++ {
		ctx, cancelCtx := context.WithCancel(context.Background())
		_, cancel, _ := b.Subscribe(ctx, "")
		if i%2 == 0 {
			cancel()
		}
		cancelCtx()
	}
	close(stop)
	wg.Wait()

	updates, cancel, _ := b.Subscribe(context.Background(), "")
	defer cancel()
	b.Emit(typed("after"))
	select {
	case update := <-updates:
		if update.Event.Type != "after" {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("broadcaster stopped delivering after concurrent cancels")
	}
}

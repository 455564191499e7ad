package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"nftmarket/core/types"
)

const defaultHistoryLimit = 1024

// Update is a sequenced event delivered to stream subscribers.
type Update struct {
	Sequence  uint64
	Cursor    string
	Timestamp int64
	Event     *types.Event
}

func cloneUpdate(u Update) Update {
	cloned := u
	cloned.Event = u.Event.Clone()
	return cloned
}

// Broadcaster assigns sequence numbers to emitted events, keeps a bounded
// history for late subscribers and fans updates out to live subscribers.
// Slow subscribers drop updates rather than block the emitter; they can
// recover the gap from the history by cursor.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	limit   int
	history []Update
	subs    map[uint64]chan Update
	nowFn   func() time.Time
}

// NewBroadcaster constructs a broadcaster retaining up to limit updates.
func NewBroadcaster(limit int) *Broadcaster {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Broadcaster{
		limit: limit,
		subs:  make(map[uint64]chan Update),
		nowFn: time.Now,
	}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil || evt.Event() == nil {
		return
	}
	b.mu.Lock()
	b.seq++
	update := Update{
		Sequence:  b.seq,
		Cursor:    strconv.FormatUint(b.seq, 10),
		Timestamp: b.nowFn().Unix(),
		Event:     evt.Event().Clone(),
	}
	b.history = append(b.history, update)
	if len(b.history) > b.limit {
		excess := len(b.history) - b.limit
		trimmed := make([]Update, b.limit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	// Sends stay under the lock: cancel closes channels while holding it, and
	// every send is non-blocking.
	for _, ch := range b.subs {
		select {
		case ch <- cloneUpdate(update):
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber for updates after the supplied cursor. The
// backlog contains retained updates newer than the cursor; the returned cancel
// function releases the subscription and is also triggered by ctx.
func (b *Broadcaster) Subscribe(ctx context.Context, cursor string) (<-chan Update, func(), []Update) {
	updates := make(chan Update, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Update, 0, len(b.history))
	for _, entry := range b.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneUpdate(entry))
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			sub, ok := b.subs[id]
			if ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog
}

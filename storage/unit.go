package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrUnitClosed is returned when a released unit is written or committed.
var ErrUnitClosed = errors.New("storage: unit released")

type stagedWrite struct {
	value   []byte
	deleted bool
}

// Unit stages the writes of one operation that spans several modules sharing
// a Database. Reads see staged writes before the base; Commit applies every
// staged write in a single batch. Modules join a unit through the context
// (see WithUnit) and hand it their lock with Hold, which keeps other writers
// out until Release.
type Unit struct {
	base Database

	mu        sync.Mutex
	writes    map[string]stagedWrite
	held      []sync.Locker
	holding   map[sync.Locker]struct{}
	after     []func()
	committed bool
	released  bool
}

// NewUnit opens a unit over base.
func NewUnit(base Database) *Unit {
	return &Unit{
		base:    base,
		writes:  make(map[string]stagedWrite),
		holding: make(map[sync.Locker]struct{}),
	}
}

// Base returns the database the unit commits into.
func (u *Unit) Base() Database { return u.base }

// Hold locks l on behalf of the unit. A lock already held by the unit is not
// taken twice. Held locks are released in reverse order by Release.
func (u *Unit) Hold(l sync.Locker) {
	u.mu.Lock()
	if _, ok := u.holding[l]; ok || u.released {
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	l.Lock()
	u.mu.Lock()
	u.holding[l] = struct{}{}
	u.held = append(u.held, l)
	u.mu.Unlock()
}

// AfterCommit schedules fn to run once the unit has committed and released
// its locks. Nothing scheduled runs when the unit is discarded.
func (u *Unit) AfterCommit(fn func()) {
	if fn == nil {
		return
	}
	u.mu.Lock()
	u.after = append(u.after, fn)
	u.mu.Unlock()
}

// Len reports the number of staged keys.
func (u *Unit) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.writes)
}

// Commit writes every staged key to the base in one batch.
func (u *Unit) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.released {
		return ErrUnitClosed
	}
	keys := make([]string, 0, len(u.writes))
	for k := range u.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := u.base.NewBatch()
	for _, k := range keys {
		w := u.writes[k]
		if w.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			return err
		}
	}
	u.writes = make(map[string]stagedWrite)
	u.committed = true
	return nil
}

// Release unlocks every held lock and, when the unit committed, runs the
// AfterCommit callbacks. Uncommitted writes are discarded. Release is safe to
// call more than once.
func (u *Unit) Release() {
	u.mu.Lock()
	if u.released {
		u.mu.Unlock()
		return
	}
	u.released = true
	held := u.held
	after := u.after
	committed := u.committed
	u.held, u.after, u.writes = nil, nil, nil
	u.mu.Unlock()

	for i := len(held) - 1; i >= 0; i-- {
		held[i].Unlock()
	}
	if !committed {
		return
	}
	for _, fn := range after {
		fn()
	}
}

func (u *Unit) Put(key []byte, value []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.released {
		return ErrUnitClosed
	}
	u.writes[string(key)] = stagedWrite{value: copyBytes(value)}
	return nil
}

func (u *Unit) Get(key []byte) ([]byte, error) {
	u.mu.Lock()
	w, ok := u.writes[string(key)]
	u.mu.Unlock()
	if ok {
		if w.deleted {
			return nil, ErrNotFound
		}
		return copyBytes(w.value), nil
	}
	return u.base.Get(key)
}

func (u *Unit) Has(key []byte) (bool, error) {
	u.mu.Lock()
	w, ok := u.writes[string(key)]
	u.mu.Unlock()
	if ok {
		return !w.deleted, nil
	}
	return u.base.Has(key)
}

func (u *Unit) Delete(key []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.released {
		return ErrUnitClosed
	}
	u.writes[string(key)] = stagedWrite{deleted: true}
	return nil
}

// Iterate merges staged writes over the base contents of prefix.
func (u *Unit) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	err := u.base.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = copyBytes(value)
		return true
	})
	if err != nil {
		return err
	}
	p := string(prefix)
	u.mu.Lock()
	for k, w := range u.writes {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if w.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = copyBytes(w.value)
	}
	u.mu.Unlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

func (u *Unit) NewBatch() Batch { return &unitBatch{unit: u} }

// Close does nothing; the base database is owned by the caller of NewUnit.
func (u *Unit) Close() {}

type unitBatch struct {
	unit *Unit
	ops  []batchOp
}

func (b *unitBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, batchOp{key: copyBytes(key), value: copyBytes(value)})
}

func (b *unitBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: copyBytes(key), delete: true})
}

func (b *unitBatch) Len() int { return len(b.ops) }

func (b *unitBatch) Write() error {
	u := b.unit
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.released {
		return ErrUnitClosed
	}
	for _, op := range b.ops {
		if op.delete {
			u.writes[string(op.key)] = stagedWrite{deleted: true}
			continue
		}
		u.writes[string(op.key)] = stagedWrite{value: op.value}
	}
	b.ops = nil
	return nil
}

type unitKey struct{}

// WithUnit returns ctx carrying u. Modules whose database is u's base stage
// their writes in u while handling calls made with the returned context.
func WithUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// UnitFrom returns the unit carried by ctx when it stages over base.
func UnitFrom(ctx context.Context, base Database) (*Unit, bool) {
	if ctx == nil {
		return nil, false
	}
	u, ok := ctx.Value(unitKey{}).(*Unit)
	if !ok || u == nil || u.base != base {
		return nil, false
	}
	u.mu.Lock()
	released := u.released
	u.mu.Unlock()
	if released {
		return nil, false
	}
	return u, true
}

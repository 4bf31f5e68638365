package handle

import (
	"errors"
	"runtime"
	"sort"
	"sync"
	"weak"
)

var ErrClosed = errors.New("handle table closed")

// Table maps generation-checked handles to durable references of *T.
// A reference is strong until SetWeak is called; a weak reference lets the
// Go collector reclaim the referent, after which the handle is finalized
// exactly once by Drain.
//
// Table is safe for concurrent use. Finalizers and observers run on the
// goroutine calling Drain (or Release/Close for release events).
type Table[T any] struct {
	mu        sync.Mutex
	slots     []slot[T]
	freeList  []uint32
	pending   []Handle
	strong    int
	weak      int
	closed    bool
	observers map[uint64]Observer
	nextObs   uint64
	obsMu     sync.RWMutex
}

type slot[T any] struct {
	ref        *T
	weakRef    weak.Pointer[T]
	cleanup    runtime.Cleanup
	finalize   func(Handle)
	owner      uint64
	generation uint32
	valid      bool
	isWeak     bool
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		slots:     make([]slot[T], 0, 64),
		freeList:  make([]uint32, 0, 16),
		observers: make(map[uint64]Observer),
	}
}

// Create stores a strong reference and returns its handle.
func (t *Table[T]) Create(ref *T, owner uint64) (Handle, error) {
	if ref == nil {
		return 0, errors.New("nil reference")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}

	var idx uint32
	if n := len(t.freeList); n > 0 {
		idx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}

	s := &t.slots[idx]
	s.generation++
	s.ref = ref
	s.owner = owner
	s.valid = true
	s.isWeak = false
	h := makeHandle(idx, s.generation)
	t.strong++
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, Owner: owner})
	return h, nil
}

// lookup returns the live slot for h. Caller holds t.mu.
func (t *Table[T]) lookup(h Handle) *slot[T] {
	idx, ok := h.index()
	if !ok || int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if !s.valid || s.generation != h.generation() {
		return nil
	}
	return s
}

// Get returns the referent of h. A weak handle whose referent has been
// collected reports false.
func (t *Table[T]) Get(h Handle) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil {
		return nil, false
	}
	if s.isWeak {
		ref := s.weakRef.Value()
		return ref, ref != nil
	}
	return s.ref, true
}

// Owner returns the owner id recorded at creation.
func (t *Table[T]) Owner(h Handle) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil {
		return 0, false
	}
	return s.owner, true
}

// Valid reports whether h refers to a live slot.
func (t *Table[T]) Valid(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(h) != nil
}

// Release frees the slot behind h. Releasing an invalid or already released
// handle is a no-op and reports false.
func (t *Table[T]) Release(h Handle) bool {
	t.mu.Lock()
	s := t.lookup(h)
	if s == nil {
		t.mu.Unlock()
		return false
	}
	owner := s.owner
	t.free(h, s)
	t.mu.Unlock()

	t.notify(Event{Type: EventReleased, Handle: h, Owner: owner})
	return true
}

// free invalidates s and returns its index to the free list. Caller holds t.mu.
func (t *Table[T]) free(h Handle, s *slot[T]) {
	if s.isWeak {
		s.cleanup.Stop()
		t.weak--
	} else {
		t.strong--
	}
	s.ref = nil
	s.weakRef = weak.Pointer[T]{}
	s.cleanup = runtime.Cleanup{}
	s.finalize = nil
	s.owner = 0
	s.valid = false
	s.isWeak = false
	idx, _ := h.index()
	t.freeList = append(t.freeList, idx)
}

// SetWeak turns h into a weak reference. finalize, if not nil, is called
// once from Drain after the referent has been collected.
func (t *Table[T]) SetWeak(h Handle, finalize func(Handle)) bool {
	t.mu.Lock()
	s := t.lookup(h)
	if s == nil {
		t.mu.Unlock()
		return false
	}
	if s.isWeak {
		s.finalize = finalize
		t.mu.Unlock()
		return true
	}

	ref := s.ref
	s.weakRef = weak.Make(ref)
	s.cleanup = runtime.AddCleanup(ref, t.enqueue, h)
	s.finalize = finalize
	s.ref = nil
	s.isWeak = true
	t.strong--
	t.weak++
	owner := s.owner
	t.mu.Unlock()

	t.notify(Event{Type: EventWeakened, Handle: h, Owner: owner})
	return true
}

// ClearWeak turns a weak handle back into a strong one. It fails once the
// referent has been collected; the pending finalization is still delivered.
func (t *Table[T]) ClearWeak(h Handle) bool {
	t.mu.Lock()
	s := t.lookup(h)
	if s == nil || !s.isWeak {
		t.mu.Unlock()
		return false
	}
	ref := s.weakRef.Value()
	if ref == nil {
		t.mu.Unlock()
		return false
	}

	s.cleanup.Stop()
	s.ref = ref
	s.weakRef = weak.Pointer[T]{}
	s.cleanup = runtime.Cleanup{}
	s.finalize = nil
	s.isWeak = false
	t.weak--
	t.strong++
	owner := s.owner
	t.mu.Unlock()

	t.notify(Event{Type: EventStrengthened, Handle: h, Owner: owner})
	return true
}

// IsWeak reports whether h is a live weak handle.
func (t *Table[T]) IsWeak(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	return s != nil && s.isWeak
}

// enqueue runs on the runtime cleanup goroutine.
func (t *Table[T]) enqueue(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending = append(t.pending, h)
}

// Pending returns the number of finalizations waiting for Drain.
func (t *Table[T]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Drain delivers queued finalizations and returns how many were delivered.
// A finalization is dropped if its handle was released or made strong again
// in the meantime.
func (t *Table[T]) Drain() int {
	t.mu.Lock()
	queued := t.pending
	t.pending = nil

	type delivery struct {
		h        Handle
		owner    uint64
		finalize func(Handle)
	}
	var ready []delivery
	for _, h := range queued {
		s := t.lookup(h)
		if s == nil || !s.isWeak {
			continue
		}
		d := delivery{h: h, owner: s.owner, finalize: s.finalize}
		t.free(h, s)
		ready = append(ready, d)
	}
	t.mu.Unlock()

	for _, d := range ready {
		t.notify(Event{Type: EventFinalized, Handle: d.h, Owner: d.owner})
		if d.finalize != nil {
			d.finalize(d.h)
		}
	}
	return len(ready)
}

// finalizeNow queues h as if its referent had been collected.
func (t *Table[T]) finalizeNow(h Handle) {
	t.enqueue(h)
}

// Len returns the number of live handles, strong and weak.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strong + t.weak
}

// StrongLen returns the number of live strong handles.
func (t *Table[T]) StrongLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strong
}

// WeakLen returns the number of live weak handles.
func (t *Table[T]) WeakLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.weak
}

// Each iterates over live handles in slot order.
func (t *Table[T]) Each(fn func(h Handle, owner uint64, weak bool) bool) {
	type entry struct {
		h     Handle
		owner uint64
		weak  bool
	}
	t.mu.Lock()
	entries := make([]entry, 0, t.strong+t.weak)
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid {
			entries = append(entries, entry{makeHandle(uint32(i), s.generation), s.owner, s.isWeak})
		}
	}
	t.mu.Unlock()

	for _, e := range entries {
		if !fn(e.h, e.owner, e.weak) {
			return
		}
	}
}

// ReleaseOwner releases every live handle created for owner.
func (t *Table[T]) ReleaseOwner(owner uint64) int {
	var handles []Handle
	t.Each(func(h Handle, o uint64, _ bool) bool {
		if o == owner {
			handles = append(handles, h)
		}
		return true
	})
	n := 0
	for _, h := range handles {
		if t.Release(h) {
			n++
		}
	}
	return n
}

// Close invalidates every handle and returns how many strong handles were
// still live. Pending finalizations are discarded.
func (t *Table[T]) Close() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	live := t.strong
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid && s.isWeak {
			s.cleanup.Stop()
		}
		s.ref = nil
		s.weakRef = weak.Pointer[T]{}
		s.finalize = nil
		s.valid = false
	}
	t.slots = nil
	t.freeList = nil
	t.pending = nil
	t.strong = 0
	t.weak = 0
	t.mu.Unlock()

	t.obsMu.Lock()
	t.observers = make(map[uint64]Observer)
	t.obsMu.Unlock()
	return live
}

// Closed reports whether Close has been called.
func (t *Table[T]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Subscribe adds an observer and returns a function removing it.
func (t *Table[T]) Subscribe(o Observer) (cancel func()) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = o
	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		delete(t.observers, id)
	}
}

func (t *Table[T]) notify(e Event) {
	t.obsMu.RLock()
	if len(t.observers) == 0 {
		t.obsMu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, t.observers[id])
	}
	t.obsMu.RUnlock()

	for _, o := range observers {
		o.OnHandleEvent(e)
	}
}

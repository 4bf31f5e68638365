package engine

import (
	"sync"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

// MemoryManager tracks every handle created in a context while it is active
// and releases them all at once. Handles passed to Persist survive, and so
// do the weak handles behind host methods, which are dropped only when
// their function becomes unreachable.
//
//	mm, _ := ctx.NewMemoryManager()
//	defer mm.Release()
type MemoryManager struct {
	ctx    *Context
	remove func()

	mu        sync.Mutex
	order     []handle.Handle
	live      map[handle.Handle]struct{}
	persisted map[handle.Handle]struct{}
	released  bool
}

// NewMemoryManager starts tracking handles created in c.
func (c *Context) NewMemoryManager() (*MemoryManager, error) {
	if err := c.checkLock(); err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		ctx:       c,
		live:      make(map[handle.Handle]struct{}),
		persisted: make(map[handle.Handle]struct{}),
	}
	mm.remove = c.AddReferenceHandler(mm)
	return mm, nil
}

func (mm *MemoryManager) HandleCreated(h handle.Handle) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return
	}
	mm.order = append(mm.order, h)
	mm.live[h] = struct{}{}
}

func (mm *MemoryManager) HandleDisposed(h handle.Handle) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.live, h)
}

// Persist excludes r from the handles released by Release.
func (mm *MemoryManager) Persist(r Reference) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return errors.Runtime("memory manager released")
	}
	if isNilReference(r) || r.IsUndefined() {
		return nil
	}
	mm.persisted[r.Handle()] = struct{}{}
	return nil
}

// ObjectReferenceCount returns the number of tracked handles still live and
// not persisted.
func (mm *MemoryManager) ObjectReferenceCount() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	n := 0
	for h := range mm.live {
		if _, ok := mm.persisted[h]; !ok && !mm.ctx.isMethodCell(h) {
			n++
		}
	}
	return n
}

func (mm *MemoryManager) IsReleased() bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.released
}

// Release stops tracking and releases every tracked handle that is still
// live and was not persisted. Releasing twice is a no-op.
func (mm *MemoryManager) Release() error {
	if err := mm.ctx.rt.checkLock(); err != nil && !mm.ctx.rt.released.Load() {
		return err
	}

	mm.mu.Lock()
	if mm.released {
		mm.mu.Unlock()
		return nil
	}
	mm.released = true
	var victims []handle.Handle
	for _, h := range mm.order {
		if _, ok := mm.live[h]; !ok {
			continue
		}
		if _, ok := mm.persisted[h]; ok {
			continue
		}
		if mm.ctx.isMethodCell(h) {
			continue
		}
		victims = append(victims, h)
	}
	mm.order, mm.live = nil, nil
	mm.mu.Unlock()

	mm.remove()
	if mm.ctx.rt.released.Load() {
		return nil
	}
	for _, h := range victims {
		mm.ctx.rt.handles.Release(h)
	}
	return nil
}

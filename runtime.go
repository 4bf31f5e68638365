package engine

import (
	"context"
	stderrors "errors"
	goruntime "runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

// ErrTerminated is the cause attached to executions stopped by
// TerminateExecution.
var ErrTerminated = stderrors.New("execution terminated")

// Runtime owns one engine heap: the execution lock, the handle table shared
// by its contexts and the pending host error slot.
//
// Every operation touching the heap requires the execution lock. The lock is
// not reentrant: host callbacks already run under it and must not take it
// again. It is not tied to a goroutine either, so only checks that someone
// holds it. Between Acquire and Unlock, Runtime, Context and handle methods
// must be called only from the goroutine that acquired the lock or from host
// callbacks running under it; other goroutines use Do or AcquireContext.
type Runtime struct {
	id       uint64
	platform *Platform
	opts     Options
	flags    Flags
	logger   *zap.Logger

	lock  *semaphore.Weighted
	held  atomic.Bool
	depth atomic.Int32

	handles *handle.Table[goja.Object]

	// host error raised by a callback, waiting to be attached to the
	// execution error it caused
	pending error

	mu              sync.Mutex
	contexts        map[uint64]*Context
	nextContext     uint64
	data            map[string]any
	releaseHandlers []func(*Runtime)
	released        atomic.Bool
}

func (rt *Runtime) setup() {
	rt.handles.Subscribe(handle.ObserverFunc(func(e handle.Event) {
		if e.Type == handle.EventFinalized {
			rt.logger.Debug("handle finalized",
				zap.Uint64("handle", uint64(e.Handle)),
				zap.Uint64("context", e.Owner))
		}
	}))
}

func (rt *Runtime) ID() uint64 {
	return rt.id
}

func (rt *Runtime) Platform() *Platform {
	return rt.platform
}

func (rt *Runtime) IsReleased() bool {
	return rt.released.Load()
}

// Acquire takes the execution lock without waiting. It fails if a context is
// entered, if the lock is already held, or after release.
func (rt *Runtime) Acquire() error {
	if rt.released.Load() {
		return errors.Runtime("runtime disposed")
	}
	if rt.depth.Load() > 0 {
		return errors.Runtime("Cannot acquire lock while in a context")
	}
	if !rt.lock.TryAcquire(1) {
		return errors.Runtime("Invalid thread access: the execution lock is held elsewhere")
	}
	rt.held.Store(true)
	return nil
}

// TryAcquire takes the execution lock if it is free.
func (rt *Runtime) TryAcquire() bool {
	return rt.Acquire() == nil
}

// AcquireContext waits for the execution lock until ctx is done. Other
// goroutines wait here while a script runs; called from a host callback of
// this runtime it blocks until ctx is done.
func (rt *Runtime) AcquireContext(ctx context.Context) error {
	if rt.released.Load() {
		return errors.Runtime("runtime disposed")
	}
	if err := rt.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	if rt.released.Load() {
		rt.lock.Release(1)
		return errors.Runtime("runtime disposed")
	}
	rt.held.Store(true)
	return nil
}

// Unlock releases the execution lock. Pending weak finalizations are
// delivered first. Unlocking a lock that is not held is a no-op.
func (rt *Runtime) Unlock() error {
	if rt.depth.Load() > 0 {
		return errors.Runtime("Cannot release lock while in a context")
	}
	if !rt.held.Load() {
		return nil
	}
	rt.drain()
	if rt.held.CompareAndSwap(true, false) {
		rt.lock.Release(1)
	}
	return nil
}

// HasLock reports whether any goroutine holds the execution lock.
func (rt *Runtime) HasLock() bool {
	return rt.held.Load()
}

// Do runs fn with the execution lock held, waiting for it if necessary.
func (rt *Runtime) Do(fn func() error) error {
	if err := rt.AcquireContext(context.Background()); err != nil {
		return err
	}
	defer rt.Unlock()
	return fn()
}

// checkLock guards every heap-touching operation.
func (rt *Runtime) checkLock() error {
	if rt.released.Load() {
		return errors.Runtime("runtime disposed")
	}
	if !rt.held.Load() {
		return errors.Runtime("Invalid thread access: the execution lock is not held")
	}
	return nil
}

// enter marks the start of a script execution. The outermost entry clears a
// stale terminate request and any unconsumed host error.
func (rt *Runtime) enter(vm *goja.Runtime) func() {
	if rt.depth.Add(1) == 1 {
		vm.ClearInterrupt()
		rt.pending = nil
		rt.drain()
	}
	return func() {
		if rt.depth.Add(-1) == 0 {
			rt.drain()
		}
	}
}

func (rt *Runtime) InContext() bool {
	return rt.depth.Load() > 0
}

func (rt *Runtime) drain() {
	if n := rt.handles.Drain(); n > 0 {
		rt.logger.Debug("finalizations delivered", zap.Int("count", n))
	}
}

// ProcessFinalizers delivers weak-handle finalizations queued since the last
// checkpoint and returns how many were delivered.
func (rt *Runtime) ProcessFinalizers() (int, error) {
	if err := rt.checkLock(); err != nil {
		return 0, err
	}
	return rt.handles.Drain(), nil
}

// LowMemoryNotification asks for a collection. Finalizations are delivered
// immediately when the lock is free, otherwise at the next checkpoint of the
// lock holder.
func (rt *Runtime) LowMemoryNotification() {
	if rt.released.Load() {
		return
	}
	if rt.flags.CollectOnLowMemory {
		goruntime.GC()
	}
	if rt.lock.TryAcquire(1) {
		rt.held.Store(true)
		rt.drain()
		rt.held.Store(false)
		rt.lock.Release(1)
	}
}

// TerminateExecution stops the script running in any context of this
// runtime at its next safe point. Safe to call from any goroutine.
func (rt *Runtime) TerminateExecution() {
	for _, c := range rt.snapshotContexts() {
		c.vm.Interrupt(ErrTerminated)
	}
}

func (rt *Runtime) snapshotContexts() []*Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Context, 0, len(rt.contexts))
	for _, c := range rt.contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Contexts returns the live contexts in creation order.
func (rt *Runtime) Contexts() []*Context {
	return rt.snapshotContexts()
}

// ObjectReferenceCount returns the number of strong handles held by the host,
// excluding context global objects.
func (rt *Runtime) ObjectReferenceCount() int {
	if rt.released.Load() {
		return 0
	}
	n := rt.handles.StrongLen() - len(rt.snapshotContexts())
	if n < 0 {
		return 0
	}
	return n
}

// SetData attaches a value to the runtime.
func (rt *Runtime) SetData(key string, value any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.data[key] = value
}

// GetData returns a value attached with SetData.
func (rt *Runtime) GetData(key string) any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.data[key]
}

// AddReleaseHandler registers fn to run when the runtime is released.
func (rt *Runtime) AddReleaseHandler(fn func(*Runtime)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.releaseHandlers = append(rt.releaseHandlers, fn)
}

// Release disposes the runtime: every context is released, release handlers
// run, every handle is invalidated and the execution lock is given up.
// With reportLeaks, strong handles still held by the host are reported as an
// error. Releasing twice is a no-op.
func (rt *Runtime) Release(reportLeaks bool) error {
	if rt.released.Load() {
		return nil
	}
	if err := rt.checkLock(); err != nil {
		return err
	}
	if rt.depth.Load() > 0 {
		return errors.Runtime("Cannot release runtime while in a context")
	}

	var errs error
	for _, c := range rt.snapshotContexts() {
		errs = multierr.Append(errs, c.Release())
	}

	rt.mu.Lock()
	handlers := rt.releaseHandlers
	rt.releaseHandlers = nil
	rt.mu.Unlock()
	for _, fn := range handlers {
		fn(rt)
	}

	rt.drain()
	leaked := rt.handles.Close()
	rt.released.Store(true)
	rt.pending = nil
	rt.platform.unregister(rt)

	if rt.held.CompareAndSwap(true, false) {
		rt.lock.Release(1)
	}

	if leaked > 0 {
		rt.logger.Warn("runtime released with live handles", zap.Int("count", leaked))
		if reportLeaks {
			errs = multierr.Append(errs, errors.Runtime("%d Object(s) still exist in runtime", leaked))
		}
	}
	rt.logger.Debug("runtime released")
	return errs
}

func (rt *Runtime) unregister(c *Context) {
	rt.mu.Lock()
	delete(rt.contexts, c.id)
	rt.mu.Unlock()
}

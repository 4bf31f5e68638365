package engine

import (
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

// Platform is the process-wide registry every Runtime is created from.
// It owns the engine flags, which freeze once the first runtime exists.
// Tests build independent platforms with NewPlatform.
type Platform struct {
	mu       sync.Mutex
	flags    Flags
	frozen   bool
	runtimes map[uint64]*Runtime
	nextID   atomic.Uint64
}

var (
	defaultPlatform     *Platform
	defaultPlatformOnce sync.Once
)

// DefaultPlatform returns the process platform.
func DefaultPlatform() *Platform {
	defaultPlatformOnce.Do(func() {
		defaultPlatform = NewPlatform()
	})
	return defaultPlatform
}

// NewPlatform creates a platform with default flags.
func NewPlatform() *Platform {
	return &Platform{
		flags:    DefaultFlags(),
		runtimes: make(map[uint64]*Runtime),
	}
}

// SetFlags replaces the platform flags. It fails once a runtime has been
// created from this platform.
func (p *Platform) SetFlags(s string) error {
	f, err := ParseFlags(s)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return errors.Runtime("flags must be set before the first runtime is created")
	}
	p.flags = f
	return nil
}

// Flags returns the current flags.
func (p *Platform) Flags() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

// ActiveRuntimes returns the number of runtimes not yet released.
func (p *Platform) ActiveRuntimes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runtimes)
}

// NewRuntime creates a runtime. The execution lock is taken once for setup
// and released before returning; callers must Acquire it before use.
func (p *Platform) NewRuntime(opts Options) (*Runtime, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.frozen = true
	flags := p.flags
	p.mu.Unlock()

	opts.applyDefaults(flags)

	id := p.nextID.Add(1)
	rt := &Runtime{
		id:       id,
		platform: p,
		opts:     opts,
		flags:    flags,
		logger:   opts.Logger.With(zap.Uint64("runtime", id)),
		lock:     semaphore.NewWeighted(1),
		handles:  handle.NewTable[goja.Object](),
		contexts: make(map[uint64]*Context),
		data:     make(map[string]any),
	}

	if !rt.lock.TryAcquire(1) {
		return nil, errors.Runtime("failed to lock new runtime")
	}
	rt.held.Store(true)
	rt.setup()
	rt.held.Store(false)
	rt.lock.Release(1)

	p.mu.Lock()
	p.runtimes[id] = rt
	p.mu.Unlock()

	rt.logger.Debug("runtime created",
		zap.Int("max_call_stack_size", opts.MaxCallStackSize),
		zap.Bool("strict", opts.StrictMode))
	return rt, nil
}

func (p *Platform) unregister(rt *Runtime) {
	p.mu.Lock()
	delete(p.runtimes, rt.id)
	p.mu.Unlock()
}

// SetFlags sets flags on the default platform.
func SetFlags(s string) error {
	return DefaultPlatform().SetFlags(s)
}

// NewRuntime creates a runtime on the default platform.
func NewRuntime(opts Options) (*Runtime, error) {
	return DefaultPlatform().NewRuntime(opts)
}

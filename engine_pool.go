package engine

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/icyseptember2237/jsengine/errors"
)

// EnginePool keeps idle engines of one type for reuse. Engines taken with Get
// are owned by the caller until returned with Put.
type EnginePool struct {
	engineType string
	platform   *Platform
	opts       Options
	setup      func(Engine) error

	m      sync.Mutex
	saved  []Engine
	closed bool
}

func (ep *EnginePool) Get() (Engine, error) {
	ep.m.Lock()
	if ep.closed {
		ep.m.Unlock()
		return nil, errors.Runtime("engine pool is shut down")
	}
	n := len(ep.saved)
	if n > 0 {
		x := ep.saved[n-1]
		ep.saved = ep.saved[0 : n-1]
		ep.m.Unlock()
		return x, nil
	}
	ep.m.Unlock()
	return ep.New()
}

// Put returns e to the pool. After Shutdown the engine is closed instead.
func (ep *EnginePool) Put(e Engine) error {
	ep.m.Lock()
	if ep.closed {
		ep.m.Unlock()
		return e.Close()
	}
	ep.saved = append(ep.saved, e)
	ep.m.Unlock()
	return nil
}

// Size returns the number of idle engines.
func (ep *EnginePool) Size() int {
	ep.m.Lock()
	defer ep.m.Unlock()
	return len(ep.saved)
}

// Shutdown closes every idle engine. Engines still checked out are closed
// when they are put back.
func (ep *EnginePool) Shutdown() error {
	ep.m.Lock()
	saved := ep.saved
	ep.saved = nil
	ep.closed = true
	ep.m.Unlock()

	var g errgroup.Group
	for _, e := range saved {
		g.Go(e.Close)
	}
	return g.Wait()
}

// New creates and initializes an engine of the pool's type, running the
// pool's setup on it.
func (ep *EnginePool) New() (Engine, error) {
	var engine Engine
	switch ep.engineType {
	case TypeEngineJs:
		engine = NewJsEngine(ep.platform, ep.opts)
	default:
		return nil, errors.Unsupported(fmt.Sprintf("engine type %q", ep.engineType))
	}

	if err := engine.New(); err != nil {
		return nil, err
	}
	if ep.setup != nil {
		if err := ep.setup(engine); err != nil {
			engine.Close()
			return nil, err
		}
	}
	engine.SetReady()
	return engine, nil
}

// InitEnginePool creates a pool of engineType engines on the default
// platform. setup, if not nil, runs once on every engine the pool creates.
func InitEnginePool(engineType string, opts Options, setup func(Engine) error) *EnginePool {
	return DefaultPlatform().NewEnginePool(engineType, opts, setup)
}

// NewEnginePool creates a pool whose engines live on p.
func (p *Platform) NewEnginePool(engineType string, opts Options, setup func(Engine) error) *EnginePool {
	return &EnginePool{
		engineType: engineType,
		platform:   p,
		opts:       opts,
		setup:      setup,
		saved:      make([]Engine, 0, 4),
	}
}

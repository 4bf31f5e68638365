package engine

import (
	"context"

	"github.com/icyseptember2237/jsengine/errors"
)

// ConcurrentContext owns a runtime with a single context and serializes
// access to it from any number of goroutines.
type ConcurrentContext struct {
	rt  *Runtime
	ctx *Context
}

// NewConcurrentContext creates a runtime on p with one context.
func (p *Platform) NewConcurrentContext(opts Options, alias string) (*ConcurrentContext, error) {
	rt, err := p.NewRuntime(opts)
	if err != nil {
		return nil, err
	}
	cc := &ConcurrentContext{rt: rt}
	err = rt.Do(func() error {
		c, err := rt.NewContext(alias)
		if err != nil {
			rt.Release(false)
			return err
		}
		cc.ctx = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cc, nil
}

// NewConcurrentContext creates a ConcurrentContext on the default platform.
func NewConcurrentContext(opts Options, alias string) (*ConcurrentContext, error) {
	return DefaultPlatform().NewConcurrentContext(opts, alias)
}

func (cc *ConcurrentContext) Runtime() *Runtime {
	return cc.rt
}

// Run calls fn with the execution lock held, waiting for it if needed.
func (cc *ConcurrentContext) Run(fn func(*Context) error) error {
	return cc.RunContext(context.Background(), fn)
}

// RunContext is Run giving up waiting for the lock when ctx is done.
func (cc *ConcurrentContext) RunContext(ctx context.Context, fn func(*Context) error) error {
	if err := cc.rt.AcquireContext(ctx); err != nil {
		return err
	}
	defer cc.rt.Unlock()
	if cc.ctx.IsReleased() {
		return errors.Runtime("context released")
	}
	return fn(cc.ctx)
}

// Terminate stops the script currently running, if any.
func (cc *ConcurrentContext) Terminate() {
	cc.rt.TerminateExecution()
}

// Release disposes the context and the runtime.
func (cc *ConcurrentContext) Release(reportLeaks bool) error {
	if cc.rt.IsReleased() {
		return nil
	}
	if err := cc.rt.AcquireContext(context.Background()); err != nil {
		return err
	}
	err := cc.rt.Release(reportLeaks)
	if !cc.rt.IsReleased() {
		cc.rt.Unlock()
	}
	return err
}

package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/icyseptember2237/jsengine/errors"
)

// checkTerminateName is a global function scripts running in an Executor
// can call in long loops; it throws once ForceTermination was requested.
const checkTerminateName = "__executor_check_terminate__"

// Message is a call queued on an Executor: the global function Method is
// invoked with Args.
type Message struct {
	Method string
	Args   []any

	// Consumer, if set, receives the raw result on the executor goroutine
	// while the lock is held. Handles it receives are released afterwards.
	Consumer func(c *Context, result any) error

	done   chan struct{}
	result any
	err    error
}

// NewMessage creates a message for method.
func NewMessage(method string, args ...any) *Message {
	return &Message{Method: method, Args: args, done: make(chan struct{})}
}

// Wait blocks until the message was processed and returns its result
// exported to plain Go values.
func (m *Message) Wait(ctx context.Context) (any, error) {
	select {
	case <-m.done:
		return m.result, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Message) finish(result any, err error) {
	m.result, m.err = result, err
	close(m.done)
}

// Executor owns a runtime on a dedicated goroutine and processes queued
// messages in order until shut down.
type Executor struct {
	platform *Platform
	opts     Options
	setup    func(*Context) error
	logger   *zap.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	queue []*Message

	ctx    context.Context
	cancel context.CancelCauseFunc

	started      atomic.Bool
	shuttingDown atomic.Bool
	terminating  atomic.Bool
	terminated   atomic.Bool
	err          error
	done         chan struct{}
}

// NewExecutor prepares an executor. setup, if not nil, runs on the executor
// goroutine once the context exists, e.g. to load scripts and register
// host methods.
func (p *Platform) NewExecutor(opts Options, setup func(*Context) error) *Executor {
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &Executor{
		platform: p,
		opts:     opts,
		setup:    setup,
		logger:   Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if opts.Logger != nil {
		e.logger = opts.Logger
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// NewExecutor prepares an executor on the default platform.
func NewExecutor(opts Options, setup func(*Context) error) *Executor {
	return DefaultPlatform().NewExecutor(opts, setup)
}

// Start launches the executor goroutine. Starting twice is a no-op.
func (e *Executor) Start() {
	if e.started.CompareAndSwap(false, true) {
		go e.run()
	}
}

// Post queues a call of the global function method.
func (e *Executor) Post(method string, args ...any) *Message {
	m := NewMessage(method, args...)
	e.PostMessage(m)
	return m
}

// PostMessage queues m. Messages posted after shutdown fail immediately.
func (e *Executor) PostMessage(m *Message) {
	if m.done == nil {
		m.done = make(chan struct{})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown.Load() {
		m.finish(nil, errors.Runtime("executor is shutting down"))
		return
	}
	e.queue = append(e.queue, m)
	e.cond.Signal()
}

// Shutdown lets the executor finish the queued messages and stop.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shuttingDown.Store(true)
	e.cond.Broadcast()
}

// ForceTermination stops the running script and drops queued messages.
func (e *Executor) ForceTermination() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminating.Store(true)
	e.shuttingDown.Store(true)
	e.cancel(ErrTerminated)
	e.cond.Broadcast()
}

// Wait blocks until the executor goroutine has exited and returns Err.
func (e *Executor) Wait() error {
	<-e.done
	return e.err
}

// Err returns the error that stopped the executor, if any. Valid once
// HasTerminated reports true.
func (e *Executor) Err() error {
	if !e.terminated.Load() {
		return nil
	}
	return e.err
}

func (e *Executor) HasTerminated() bool {
	return e.terminated.Load()
}

func (e *Executor) IsShuttingDown() bool {
	return e.shuttingDown.Load()
}

func (e *Executor) IsTerminating() bool {
	return e.terminating.Load()
}

func (e *Executor) next() (*Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 && !e.shuttingDown.Load() {
		e.cond.Wait()
	}
	if e.terminating.Load() || len(e.queue) == 0 {
		return nil, false
	}
	m := e.queue[0]
	e.queue = e.queue[1:]
	return m, true
}

func (e *Executor) run() {
	defer close(e.done)
	defer e.terminated.Store(true)
	defer e.drop()

	rt, err := e.platform.NewRuntime(e.opts)
	if err != nil {
		e.err = err
		return
	}
	if err := rt.Acquire(); err != nil {
		e.err = err
		return
	}
	defer func() {
		if err := rt.Release(false); err != nil {
			e.logger.Warn("executor runtime release failed", zap.Error(err))
		}
	}()

	c, err := rt.NewContext("")
	if err != nil {
		e.err = err
		return
	}
	_, err = c.Global().RegisterVoidMethod(checkTerminateName, func(*Object, *Array) error {
		if e.terminating.Load() {
			return ErrTerminated
		}
		return nil
	})
	if err != nil {
		e.err = err
		return
	}
	if e.setup != nil {
		if err := e.setup(c); err != nil {
			e.err = err
			return
		}
	}

	for {
		m, ok := e.next()
		if !ok {
			return
		}
		if err := e.process(c, m); err != nil {
			if !e.terminating.Load() {
				e.err = err
			}
			return
		}
	}
}

// process runs one message. Only a termination stops the executor; script
// errors are reported on the message.
func (e *Executor) process(c *Context, m *Message) error {
	mm, err := c.NewMemoryManager()
	if err != nil {
		m.finish(nil, err)
		return err
	}
	defer mm.Release()

	fn, err := c.Global().GetFunction(m.Method)
	if err != nil {
		m.finish(nil, err)
		return nil
	}
	if fn == nil || fn.IsUndefined() {
		m.finish(nil, errors.Runtime("%s is not a function", m.Method))
		return nil
	}
	args, err := c.NewArrayOf(m.Args...)
	if err != nil {
		m.finish(nil, err)
		return nil
	}

	raw, err := fn.CallContext(e.ctx, c.Global(), args)
	if err != nil {
		m.finish(nil, err)
		if stderrors.Is(err, ErrTerminated) {
			return err
		}
		return nil
	}
	if m.Consumer != nil {
		if err := m.Consumer(c, raw); err != nil {
			m.finish(nil, err)
			return nil
		}
	}
	m.finish(export(raw))
	return nil
}

// drop fails every message still queued.
func (e *Executor) drop() {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.shuttingDown.Store(true)
	e.mu.Unlock()
	for _, m := range queue {
		m.finish(nil, errors.Runtime("executor terminated"))
	}
}

// export turns a converted script value into plain Go values.
func export(v any) (any, error) {
	r, ok := v.(Reference)
	if !ok {
		return v, nil
	}
	if isNilReference(r) || r.IsUndefined() {
		return nil, nil
	}
	return r.ref().Export()
}

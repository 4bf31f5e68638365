package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

// ExceptionListener is notified of every execution error raised in a context.
type ExceptionListener func(err *errors.Error)

// Context is one script global scope bound to a Runtime. Contexts of the
// same runtime share its lock and handle table, but values of one context
// cannot be used in another.
type Context struct {
	id     uint64
	rt     *Runtime
	vm     *goja.Runtime
	logger *zap.Logger
	alias  string

	global   *Object
	helpers  helpers
	registry *require.Registry
	required bool

	listener       ExceptionListener
	methods        map[MethodID]*methodDescriptor
	methodCells    map[handle.Handle]MethodID
	nextMethod     MethodID
	methodReleased func(MethodID)
	scripts        map[string]scriptInfo

	mu              sync.Mutex
	data            map[string]any
	releaseHandlers []func(*Context)
	released        atomic.Bool
}

type scriptInfo struct {
	source     string
	lineOffset int
}

// helpers are script functions captured at context creation, before user
// code can tamper with the builtins they rely on.
type helpers struct {
	has            goja.Callable
	typedArrayName goja.Callable
}

const helperSource = `(function () {
	var isView = ArrayBuffer.isView;
	var desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(Int8Array.prototype), Symbol.toStringTag);
	var tag = desc && desc.get;
	var ctors = [Int8Array, Uint8Array, Uint8ClampedArray, Int16Array, Uint16Array,
		Int32Array, Uint32Array, Float32Array, Float64Array];
	return {
		has: function (o, k) { return k in o; },
		typedArrayName: function (v) {
			if (!isView(v)) return undefined;
			if (tag) return tag.call(v);
			for (var i = 0; i < ctors.length; i++) {
				if (v instanceof ctors[i]) return ctors[i].name;
			}
			return undefined;
		}
	};
})()`

// NewContext creates a context. A non-empty alias exposes the global object
// under that name, e.g. "window".
func (rt *Runtime) NewContext(alias string) (*Context, error) {
	if err := rt.checkLock(); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.nextContext++
	id := rt.nextContext
	rt.mu.Unlock()

	c := &Context{
		id:          id,
		rt:          rt,
		vm:          goja.New(),
		logger:      rt.logger.With(zap.Uint64("context", id)),
		alias:       alias,
		methods:     make(map[MethodID]*methodDescriptor),
		methodCells: make(map[handle.Handle]MethodID),
		scripts:     make(map[string]scriptInfo),
		data:        make(map[string]any),
	}

	if rt.opts.MaxCallStackSize > 0 {
		c.vm.SetMaxCallStackSize(rt.opts.MaxCallStackSize)
	}
	if rt.opts.FieldNameTag != "" {
		c.vm.SetFieldNameMapper(goja.TagFieldNameMapper(rt.opts.FieldNameTag, true))
	}

	var registryOpts []require.Option
	if rt.opts.SourceLoader != nil {
		registryOpts = append(registryOpts, require.WithLoader(rt.opts.SourceLoader))
	}
	c.registry = require.NewRegistry(registryOpts...)
	if rt.opts.EnableConsole {
		c.registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&consolePrinter{c.logger}))
	}
	if rt.opts.EnableRequire || rt.opts.EnableConsole {
		c.enableRequire()
	}
	if rt.opts.EnableConsole {
		console.Enable(c.vm)
	}

	if alias != "" {
		if err := c.vm.Set(alias, c.vm.GlobalObject()); err != nil {
			return nil, errors.Runtime("cannot set global alias %q: %v", alias, err)
		}
	}

	if err := c.initHelpers(); err != nil {
		return nil, err
	}

	h, err := rt.handles.Create(c.vm.GlobalObject(), id)
	if err != nil {
		return nil, errors.Runtime("runtime disposed")
	}
	c.global = &Object{ctx: c, handle: h}

	rt.mu.Lock()
	rt.contexts[id] = c
	rt.mu.Unlock()

	c.logger.Debug("context created", zap.String("alias", alias))
	return c, nil
}

func (c *Context) initHelpers() error {
	v, err := c.vm.RunString(helperSource)
	if err != nil {
		return errors.Runtime("context setup failed: %v", err)
	}
	obj := v.(*goja.Object)
	has, _ := goja.AssertFunction(obj.Get("has"))
	name, _ := goja.AssertFunction(obj.Get("typedArrayName"))
	c.helpers = helpers{has: has, typedArrayName: name}
	return nil
}

func (c *Context) enableRequire() {
	if c.required {
		return
	}
	c.registry.Enable(c.vm)
	c.required = true
}

func (c *Context) ID() uint64 {
	return c.id
}

func (c *Context) Runtime() *Runtime {
	return c.rt
}

func (c *Context) Alias() string {
	return c.alias
}

// Global returns the durable global object wrapper. It stays valid until the
// context is released and must not be released by the caller.
func (c *Context) Global() *Object {
	return c.global
}

func (c *Context) IsReleased() bool {
	return c.released.Load() || c.rt.released.Load()
}

// checkLock guards heap-touching operations on this context.
func (c *Context) checkLock() error {
	if c.released.Load() {
		return errors.Runtime("context released")
	}
	return c.rt.checkLock()
}

// SetExceptionListener registers fn to observe execution errors. Pass nil to
// remove it.
func (c *Context) SetExceptionListener(fn ExceptionListener) {
	c.listener = fn
}

// SetData attaches a value to the context.
func (c *Context) SetData(key string, value any) error {
	if c.IsReleased() {
		return errors.Runtime("context released")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

// GetData returns a value attached with SetData.
func (c *Context) GetData(key string) (any, error) {
	if c.IsReleased() {
		return nil, errors.Runtime("context released")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

// AddReleaseHandler registers fn to run when the context is released.
func (c *Context) AddReleaseHandler(fn func(*Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseHandlers = append(c.releaseHandlers, fn)
}

// ReferenceHandler observes handles created and disposed in a context.
type ReferenceHandler interface {
	HandleCreated(h handle.Handle)
	HandleDisposed(h handle.Handle)
}

// AddReferenceHandler subscribes rh to handle events of this context and
// returns a function removing it.
func (c *Context) AddReferenceHandler(rh ReferenceHandler) (remove func()) {
	return c.rt.handles.Subscribe(handle.ObserverFunc(func(e handle.Event) {
		if e.Owner != c.id {
			return
		}
		switch e.Type {
		case handle.EventCreated:
			rh.HandleCreated(e.Handle)
		case handle.EventReleased, handle.EventFinalized:
			rh.HandleDisposed(e.Handle)
		}
	}))
}

// ObjectReferenceCount returns the number of strong handles of this context
// held by the host, excluding the global object.
func (c *Context) ObjectReferenceCount() int {
	n := 0
	c.rt.handles.Each(func(h handle.Handle, owner uint64, weak bool) bool {
		if owner == c.id && !weak && h != c.global.handle {
			n++
		}
		return true
	})
	return n
}

// Release disposes the context. The global object handle is released first,
// then method descriptors, then release handlers run. Releasing twice is a
// no-op.
func (c *Context) Release() error {
	if c.IsReleased() {
		return nil
	}
	if err := c.rt.checkLock(); err != nil {
		return err
	}
	if c.rt.depth.Load() > 0 {
		return errors.Runtime("Cannot release a context while in a context")
	}

	c.global.Release()

	var errs error
	for id := range c.methods {
		errs = multierr.Append(errs, c.ReleaseMethodDescriptor(id))
	}

	c.mu.Lock()
	handlers := c.releaseHandlers
	c.releaseHandlers = nil
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}

	c.released.Store(true)
	c.rt.unregister(c)
	c.logger.Debug("context released")
	return errs
}

// ScriptOption configures a script execution.
type ScriptOption func(*scriptOptions)

type scriptOptions struct {
	name       string
	lineOffset int
}

// WithName sets the script name reported in errors and stack traces.
func WithName(name string) ScriptOption {
	return func(o *scriptOptions) {
		o.name = name
	}
}

// WithLineOffset shifts reported line numbers by n.
func WithLineOffset(n int) ScriptOption {
	return func(o *scriptOptions) {
		o.lineOffset = n
	}
}

func buildScriptOptions(opts []ScriptOption) scriptOptions {
	var o scriptOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Context) compile(source string, o scriptOptions) (*goja.Program, error) {
	prg, err := parser.ParseFile(nil, o.name, source, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, c.compilationError(err, source, o)
	}
	p, err := goja.CompileAST(prg, c.rt.opts.StrictMode)
	if err != nil {
		return nil, c.compilationError(err, source, o)
	}
	c.scripts[o.name] = scriptInfo{source: source, lineOffset: o.lineOffset}
	return p, nil
}

func (c *Context) run(ctx context.Context, source string, opts []ScriptOption) (goja.Value, error) {
	if err := c.checkLock(); err != nil {
		return nil, err
	}
	o := buildScriptOptions(opts)
	prg, err := c.compile(source, o)
	if err != nil {
		return nil, err
	}

	leave := c.rt.enter(c.vm)
	defer leave()

	stop, err := c.bound(ctx)
	if err != nil {
		return nil, err
	}
	defer stop()

	v, err := c.vm.RunProgram(prg)
	if err != nil {
		return nil, c.captureError(err)
	}
	return v, nil
}

// bound arms cancellation of ctx as an interrupt of the running script.
// It must be called after enter, which clears stale interrupts.
func (c *Context) bound(ctx context.Context) (stop func() bool, err error) {
	if ctx.Done() == nil {
		return func() bool { return false }, nil
	}
	if ctx.Err() != nil {
		return nil, c.terminatedError(context.Cause(ctx), nil)
	}
	return context.AfterFunc(ctx, func() {
		c.vm.Interrupt(context.Cause(ctx))
	}), nil
}

// call invokes fn with the execution entered and ctx bound.
func (c *Context) call(ctx context.Context, fn goja.Callable, this goja.Value, args []goja.Value) (goja.Value, error) {
	leave := c.rt.enter(c.vm)
	defer leave()

	stop, err := c.bound(ctx)
	if err != nil {
		return nil, err
	}
	defer stop()

	v, err := fn(this, args...)
	if err != nil {
		return nil, c.captureError(err)
	}
	return v, nil
}

// Compile checks source for syntax errors without running it.
func (c *Context) Compile(source string, opts ...ScriptOption) error {
	if err := c.checkLock(); err != nil {
		return err
	}
	_, err := c.compile(source, buildScriptOptions(opts))
	return err
}

// ExecuteScript runs source and returns its completion value, converted
// without an expected shape.
func (c *Context) ExecuteScript(source string, opts ...ScriptOption) (any, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return nil, err
	}
	return c.toHost(v, TypeUnknown)
}

// ExecuteScriptContext is ExecuteScript bounded by ctx: cancellation
// terminates the script.
func (c *Context) ExecuteScriptContext(ctx context.Context, source string, opts ...ScriptOption) (any, error) {
	v, err := c.run(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return c.toHost(v, TypeUnknown)
}

// ExecuteVoidScript runs source and discards its result.
func (c *Context) ExecuteVoidScript(source string, opts ...ScriptOption) error {
	_, err := c.run(context.Background(), source, opts)
	return err
}

// ExecuteIntegerScript runs source and requires a number result, truncated
// to a 32-bit integer.
func (c *Context) ExecuteIntegerScript(source string, opts ...ScriptOption) (int, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return 0, err
	}
	return c.toInteger(v)
}

// ExecuteDoubleScript runs source and requires a number result.
func (c *Context) ExecuteDoubleScript(source string, opts ...ScriptOption) (float64, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return 0, err
	}
	return c.toDouble(v)
}

// ExecuteBooleanScript runs source and requires a boolean result.
func (c *Context) ExecuteBooleanScript(source string, opts ...ScriptOption) (bool, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return false, err
	}
	return c.toBoolean(v)
}

// ExecuteStringScript runs source and requires a string result. A null
// result yields the empty string.
func (c *Context) ExecuteStringScript(source string, opts ...ScriptOption) (string, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return "", err
	}
	return c.toString(v)
}

// ExecuteObjectScript runs source and requires an object result. Null yields
// nil; undefined yields an undefined-typed Object.
func (c *Context) ExecuteObjectScript(source string, opts ...ScriptOption) (*Object, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return nil, err
	}
	return c.toObject(v)
}

// ExecuteArrayScript runs source and requires an array result. Null yields
// nil; undefined yields an undefined-typed Array.
func (c *Context) ExecuteArrayScript(source string, opts ...ScriptOption) (*Array, error) {
	v, err := c.run(context.Background(), source, opts)
	if err != nil {
		return nil, err
	}
	return c.toArray(v)
}

// Bind exposes an arbitrary Go value as a global, converted by reflection.
func (c *Context) Bind(name string, value any) error {
	if err := c.checkLock(); err != nil {
		return err
	}
	if err := c.vm.Set(name, value); err != nil {
		return errors.Runtime("cannot bind %q: %v", name, err)
	}
	return nil
}

type consolePrinter struct {
	logger *zap.Logger
}

func (p *consolePrinter) Log(s string) {
	p.logger.Info(s, zap.String("source", "console"))
}

func (p *consolePrinter) Warn(s string) {
	p.logger.Warn(s, zap.String("source", "console"))
}

func (p *consolePrinter) Error(s string) {
	p.logger.Error(s, zap.String("source", "console"))
}

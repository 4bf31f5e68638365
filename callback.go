package engine

import (
	stderrors "errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

// MethodID identifies a host method exposed to scripts.
type MethodID uint64

// Callback implements a script function in Go. receiver is the script this
// value, an undefined-typed Object when there is none. Both receiver and args
// are released when the callback returns; use Twin to keep them.
//
// The result is converted like a value passed to Object.Set. Returned
// references stay owned by the caller. A non-nil error is thrown into the
// script and becomes the wrapped cause of the resulting execution error.
type Callback func(receiver *Object, args *Array) (any, error)

// VoidCallback is a Callback without a result.
type VoidCallback func(receiver *Object, args *Array) error

type methodDescriptor struct {
	id     MethodID
	name   string
	fn     Callback
	void   bool
	handle handle.Handle
}

// emptyHostError stands in for a host error without a message.
type emptyHostError struct {
	err error
}

func (e *emptyHostError) Error() string {
	return "unhandled host error"
}

func (e *emptyHostError) Unwrap() error {
	return e.err
}

// newMethod creates the script function backing a host method. The function
// object is held weakly: once scripts can no longer reach it the descriptor
// is dropped and the release listener is notified.
func (c *Context) newMethod(name string, fn Callback, void bool) (*goja.Object, *methodDescriptor, error) {
	c.nextMethod++
	id := c.nextMethod
	d := &methodDescriptor{id: id, name: name, fn: fn, void: void}

	obj, ok := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return c.dispatch(id, call)
	}).(*goja.Object)
	if !ok {
		return nil, nil, errors.Runtime("cannot create function %q", name)
	}

	h, err := c.newHandle(obj)
	if err != nil {
		return nil, nil, err
	}
	c.rt.handles.SetWeak(h, func(handle.Handle) {
		c.methodFinalized(id)
	})
	d.handle = h
	c.methods[id] = d
	c.methodCells[h] = id
	return obj, d, nil
}

func (c *Context) methodFinalized(id MethodID) {
	d, ok := c.methods[id]
	if !ok {
		return
	}
	delete(c.methods, id)
	delete(c.methodCells, d.handle)
	c.logger.Debug("method descriptor finalized", zap.Uint64("method", uint64(id)))
	if c.methodReleased != nil {
		c.methodReleased(id)
	}
}

// SetMethodReleaseListener registers fn to be called once for every method
// descriptor dropped because its function became unreachable.
func (c *Context) SetMethodReleaseListener(fn func(MethodID)) {
	c.methodReleased = fn
}

// ReleaseMethodDescriptor drops the descriptor of id without notifying the
// release listener. The script function stays defined but throws when
// called.
func (c *Context) ReleaseMethodDescriptor(id MethodID) error {
	if c.rt.released.Load() {
		return nil
	}
	if err := c.rt.checkLock(); err != nil {
		return err
	}
	d, ok := c.methods[id]
	if !ok {
		return nil
	}
	delete(c.methods, id)
	delete(c.methodCells, d.handle)
	c.rt.handles.Release(d.handle)
	return nil
}

// isMethodCell reports whether h backs a host method's function object.
// Those handles stay weak until the function is unreachable.
func (c *Context) isMethodCell(h handle.Handle) bool {
	_, ok := c.methodCells[h]
	return ok
}

// MethodCount returns the number of live method descriptors.
func (c *Context) MethodCount() int {
	return len(c.methods)
}

// RegisterMethod exposes fn as the method name of o.
func (o *Object) RegisterMethod(name string, fn Callback) (MethodID, error) {
	return o.register(name, fn, false)
}

// RegisterVoidMethod exposes fn as the method name of o. Calls return
// undefined.
func (o *Object) RegisterVoidMethod(name string, fn VoidCallback) (MethodID, error) {
	return o.register(name, func(receiver *Object, args *Array) (any, error) {
		return nil, fn(receiver, args)
	}, true)
}

func (o *Object) register(name string, fn Callback, void bool) (MethodID, error) {
	if fn == nil {
		return 0, errors.Runtime("nil callback for %q", name)
	}
	obj, err := o.target()
	if err != nil {
		return 0, err
	}
	f, d, err := o.ctx.newMethod(name, fn, void)
	if err != nil {
		return 0, err
	}
	err = o.ctx.guard(func() error {
		if err := obj.Set(name, f); err != nil {
			return o.ctx.captureError(err)
		}
		return nil
	})
	if err != nil {
		o.ctx.ReleaseMethodDescriptor(d.id)
		return 0, err
	}
	return d.id, nil
}

// NewFunction creates a detached script function backed by fn.
func (c *Context) NewFunction(fn Callback) (*Function, error) {
	if fn == nil {
		return nil, errors.Runtime("nil callback")
	}
	if err := c.checkLock(); err != nil {
		return nil, err
	}
	obj, _, err := c.newMethod("", fn, false)
	if err != nil {
		return nil, err
	}
	h, err := c.newHandle(obj)
	if err != nil {
		return nil, err
	}
	return &Function{Object: Object{ctx: c, handle: h}}, nil
}

// dispatch is the trampoline every host method runs through.
func (c *Context) dispatch(id MethodID, call goja.FunctionCall) goja.Value {
	d, ok := c.methods[id]
	if !ok {
		c.throw(errors.Runtime("method descriptor released"))
	}
	v, err := c.invoke(d, call)
	if err != nil {
		c.throw(err)
	}
	return v
}

func (c *Context) invoke(d *methodDescriptor, call goja.FunctionCall) (ret goja.Value, err error) {
	receiver := &Object{ctx: c, undefined: true}
	if this, ok := call.This.(*goja.Object); ok {
		h, err := c.newHandle(this)
		if err != nil {
			return nil, err
		}
		receiver = &Object{ctx: c, handle: h}
	}
	defer receiver.Release()

	args, err := c.hostArgs(call.Arguments)
	if err != nil {
		return nil, err
	}
	defer args.Release()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("host callback panic",
				zap.String("method", d.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			ret, err = nil, fmt.Errorf("host callback panic: %v", r)
		}
	}()

	out, err := d.fn(receiver, args)
	if err != nil {
		return nil, err
	}
	if d.void {
		return goja.Undefined(), nil
	}
	v, known, err := c.engineValue(out)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("unknown return type: %T", out)
	}
	return v, nil
}

// throw raises err in the script as a Go error value and stashes it for
// the execution error that will carry it. A terminated execution stays
// uncatchable.
func (c *Context) throw(err error) {
	if err.Error() == "" {
		err = &emptyHostError{err: err}
	}
	c.rt.pending = err
	if stderrors.Is(err, ErrTerminated) {
		c.vm.Interrupt(ErrTerminated)
	}
	panic(c.vm.NewGoError(err))
}

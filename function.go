package engine

import (
	"context"

	"github.com/dop251/goja"

	"github.com/icyseptember2237/jsengine/errors"
)

// Function wraps a handle to a callable script object.
type Function struct {
	Object
}

// Call invokes the function with receiver as this. A nil or undefined
// receiver calls it with this undefined.
func (f *Function) Call(receiver Reference, args *Array) (any, error) {
	return f.CallContext(context.Background(), receiver, args)
}

// CallContext is Call bounded by ctx: cancellation terminates the call.
func (f *Function) CallContext(ctx context.Context, receiver Reference, args *Array) (any, error) {
	v, err := f.invoke(ctx, receiver, args)
	if err != nil {
		return nil, err
	}
	return f.ctx.toHost(v, TypeUnknown)
}

func (f *Function) invoke(ctx context.Context, receiver Reference, args *Array) (goja.Value, error) {
	obj, err := f.target()
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(obj)
	if !ok {
		return nil, f.ctx.scriptError("TypeError: object is not a function", nil, nil, nil)
	}
	var this goja.Value = goja.Undefined()
	if !isNilReference(receiver) && !receiver.IsUndefined() {
		if this, err = f.ctx.sameContextTarget(receiver); err != nil {
			return nil, err
		}
	}
	argv, err := f.ctx.engineArgs(args)
	if err != nil {
		return nil, err
	}
	return f.ctx.call(ctx, fn, this, argv)
}

// method resolves name on o and calls it with o as receiver.
func (o *Object) method(ctx context.Context, name string, args *Array) (goja.Value, error) {
	obj, err := o.target()
	if err != nil {
		return nil, err
	}
	var fn goja.Callable
	err = o.ctx.guard(func() error {
		var ok bool
		if fn, ok = goja.AssertFunction(obj.Get(name)); !ok {
			return o.ctx.scriptError("TypeError: "+name+" is not a function", nil, nil, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	argv, err := o.ctx.engineArgs(args)
	if err != nil {
		return nil, err
	}
	return o.ctx.call(ctx, fn, obj, argv)
}

// ExecuteFunction calls the method name of o with args and converts the
// result without an expected shape. args may be nil.
func (o *Object) ExecuteFunction(name string, args *Array) (any, error) {
	return o.ExecuteFunctionContext(context.Background(), name, args)
}

// ExecuteFunctionContext is ExecuteFunction bounded by ctx.
func (o *Object) ExecuteFunctionContext(ctx context.Context, name string, args *Array) (any, error) {
	v, err := o.method(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return o.ctx.toHost(v, TypeUnknown)
}

// ExecuteVoidFunction calls the method name of o and discards the result.
func (o *Object) ExecuteVoidFunction(name string, args *Array) error {
	_, err := o.method(context.Background(), name, args)
	return err
}

// ExecuteIntegerFunction requires a number result, truncated to a 32-bit
// integer.
func (o *Object) ExecuteIntegerFunction(name string, args *Array) (int, error) {
	v, err := o.method(context.Background(), name, args)
	if err != nil {
		return 0, err
	}
	return o.ctx.toInteger(v)
}

func (o *Object) ExecuteDoubleFunction(name string, args *Array) (float64, error) {
	v, err := o.method(context.Background(), name, args)
	if err != nil {
		return 0, err
	}
	return o.ctx.toDouble(v)
}

func (o *Object) ExecuteBooleanFunction(name string, args *Array) (bool, error) {
	v, err := o.method(context.Background(), name, args)
	if err != nil {
		return false, err
	}
	return o.ctx.toBoolean(v)
}

// ExecuteStringFunction requires a string result. Null yields "".
func (o *Object) ExecuteStringFunction(name string, args *Array) (string, error) {
	v, err := o.method(context.Background(), name, args)
	if err != nil {
		return "", err
	}
	return o.ctx.toString(v)
}

func (o *Object) ExecuteObjectFunction(name string, args *Array) (*Object, error) {
	v, err := o.method(context.Background(), name, args)
	if err != nil {
		return nil, err
	}
	return o.ctx.toObject(v)
}

func (o *Object) ExecuteArrayFunction(name string, args *Array) (*Array, error) {
	v, err := o.method(context.Background(), name, args)
	if err != nil {
		return nil, err
	}
	return o.ctx.toArray(v)
}

// ExecuteJSFunction calls the method name with Go arguments converted like
// Push.
func (o *Object) ExecuteJSFunction(name string, args ...any) (any, error) {
	if o.undefined || o.ctx == nil {
		return nil, errors.Runtime("operation on undefined value")
	}
	a, err := o.ctx.NewArrayOf(args...)
	if err != nil {
		return nil, err
	}
	defer a.Release()
	return o.ExecuteFunction(name, a)
}

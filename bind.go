package engine

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja"

	"github.com/icyseptember2237/jsengine/errors"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterGoFunction exposes an arbitrary Go function as the method name of
// o. Arguments are converted to the parameter types by the engine's export
// rules; missing arguments are zero values. A trailing error result is
// thrown into the script. Several remaining results are returned as an
// array.
func (o *Object) RegisterGoFunction(name string, fn any) (MethodID, error) {
	if o.undefined || o.ctx == nil {
		return 0, errors.Runtime("operation on undefined value")
	}
	cb, err := o.ctx.reflectCallback(fn)
	if err != nil {
		return 0, err
	}
	return o.RegisterMethod(name, cb)
}

func (c *Context) reflectCallback(fn any) (Callback, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, errors.Runtime("%T is not a function", fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, errors.Runtime("variadic function %T is not supported", fn)
	}

	return func(_ *Object, args *Array) (any, error) {
		argv, err := c.engineArgs(args)
		if err != nil {
			return nil, err
		}
		in := make([]reflect.Value, t.NumIn())
		for i := range in {
			pt := t.In(i)
			if i >= len(argv) {
				in[i] = reflect.Zero(pt)
				continue
			}
			ptr := reflect.New(pt)
			if err := c.vm.ExportTo(argv[i], ptr.Interface()); err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in[i] = ptr.Elem()
		}

		out := v.Call(in)
		if n := len(out); n > 0 && t.Out(n-1) == errorType {
			if err, _ := out[n-1].Interface().(error); err != nil {
				return nil, err
			}
			out = out[:n-1]
		}
		switch len(out) {
		case 0:
			return Undefined, nil
		case 1:
			r := out[0].Interface()
			if jv, known, err := c.engineValue(r); err != nil || known {
				return jv, err
			}
			return c.vm.ToValue(r), nil
		}
		values := make([]any, len(out))
		for i, r := range out {
			values[i] = r.Interface()
		}
		return goja.Value(c.vm.NewArray(values...)), nil
	}, nil
}

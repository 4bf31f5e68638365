package engine

import (
	"reflect"
	"strconv"

	"github.com/dop251/goja"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

func (c *Context) newHandle(obj *goja.Object) (handle.Handle, error) {
	h, err := c.rt.handles.Create(obj, c.id)
	if err != nil {
		return 0, errors.Runtime("runtime disposed")
	}
	return h, nil
}

// classify returns the shape of obj. For typed arrays the second result is
// the element kind.
func (c *Context) classify(obj *goja.Object) (TypeTag, TypeTag) {
	if _, ok := goja.AssertFunction(obj); ok {
		return TypeFunction, 0
	}
	if obj.ClassName() == "Array" {
		return TypeArray, 0
	}
	if obj.ExportType() == typeArrayBuffer {
		return TypeArrayBuffer, 0
	}
	if kind, ok := c.typedArrayKind(obj); ok {
		return TypeTypedArray, kind
	}
	return TypeObject, 0
}

func (c *Context) typedArrayKind(obj *goja.Object) (TypeTag, bool) {
	v, err := c.helpers.typedArrayName(goja.Undefined(), obj)
	if err != nil || v == nil || goja.IsUndefined(v) {
		return 0, false
	}
	kind, ok := typedArrayKinds[v.String()]
	return kind, ok
}

// typeOf returns the tag of a script value.
func (c *Context) typeOf(v goja.Value) TypeTag {
	obj, ok := v.(*goja.Object)
	if !ok {
		return primitiveTag(v)
	}
	kind, _ := c.classify(obj)
	return kind
}

// wrap allocates a new handle of the wrapper kind matching obj.
func (c *Context) wrap(obj *goja.Object) (Reference, error) {
	kind, sub := c.classify(obj)
	h, err := c.newHandle(obj)
	if err != nil {
		return nil, err
	}
	base := Object{ctx: c, handle: h}
	switch kind {
	case TypeFunction:
		return &Function{Object: base}, nil
	case TypeArray:
		return &Array{Object: base}, nil
	case TypeTypedArray:
		return &TypedArray{Array: Array{Object: base}, kind: sub}, nil
	case TypeArrayBuffer:
		return &ArrayBuffer{Object: base}, nil
	}
	return &base, nil
}

// toHost converts a script value. With TypeUnknown the result depends on the
// actual value: nil for null, Undefined for undefined, int or float64 for
// numbers, bool, string, or a new Reference. Any other expected tag requires
// that shape.
func (c *Context) toHost(v goja.Value, expected TypeTag) (any, error) {
	switch expected {
	case TypeInteger:
		return c.toInteger(v)
	case TypeDouble:
		return c.toDouble(v)
	case TypeBoolean:
		return c.toBoolean(v)
	case TypeString:
		return c.toString(v)
	case TypeObject:
		return c.toObject(v)
	case TypeArray:
		return c.toArray(v)
	case TypeFunction:
		return c.toFunction(v)
	}

	if v == nil || goja.IsUndefined(v) {
		return Undefined, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	if obj, ok := v.(*goja.Object); ok {
		return c.wrap(obj)
	}
	switch x := v.Export().(type) {
	case int64:
		if isInt32(float64(x)) {
			return int(x), nil
		}
		return float64(x), nil
	case float64:
		if isInt32(x) {
			return int(x), nil
		}
		return x, nil
	case bool:
		return x, nil
	case string:
		return x, nil
	}
	return nil, errors.ResultUndefined("unsupported script value %s", c.describe(v))
}

func (c *Context) mismatch(expected TypeTag, v goja.Value) error {
	return errors.ResultUndefined("expected %s, got %s", expected, c.typeOf(v))
}

// toInteger requires a number and applies ToInt32.
func (c *Context) toInteger(v goja.Value) (int, error) {
	f, ok := numberOf(v)
	if !ok {
		return 0, c.mismatch(TypeInteger, v)
	}
	return int(toInt32(f)), nil
}

func (c *Context) toDouble(v goja.Value) (float64, error) {
	f, ok := numberOf(v)
	if !ok {
		return 0, c.mismatch(TypeDouble, v)
	}
	return f, nil
}

func (c *Context) toBoolean(v goja.Value) (bool, error) {
	if _, ok := v.(*goja.Object); !ok && v != nil {
		if b, ok := v.Export().(bool); ok {
			return b, nil
		}
	}
	return false, c.mismatch(TypeBoolean, v)
}

// toString requires a string. Null is accepted as "".
func (c *Context) toString(v goja.Value) (string, error) {
	if v != nil && goja.IsNull(v) {
		return "", nil
	}
	if _, ok := v.(*goja.Object); !ok && v != nil {
		if s, ok := v.Export().(string); ok {
			return s, nil
		}
	}
	return "", c.mismatch(TypeString, v)
}

func (c *Context) toObject(v goja.Value) (*Object, error) {
	if v == nil || goja.IsUndefined(v) {
		return &Object{ctx: c, undefined: true}, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, c.mismatch(TypeObject, v)
	}
	r, err := c.wrap(obj)
	if err != nil {
		return nil, err
	}
	return r.ref(), nil
}

func (c *Context) toArray(v goja.Value) (*Array, error) {
	if v == nil || goja.IsUndefined(v) {
		return &Array{Object: Object{ctx: c, undefined: true}}, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, c.mismatch(TypeArray, v)
	}
	kind, _ := c.classify(obj)
	if kind != TypeArray && kind != TypeTypedArray {
		return nil, c.mismatch(TypeArray, v)
	}
	r, err := c.wrap(obj)
	if err != nil {
		return nil, err
	}
	switch x := r.(type) {
	case *Array:
		return x, nil
	case *TypedArray:
		return &x.Array, nil
	}
	return nil, c.mismatch(TypeArray, v)
}

func (c *Context) toFunction(v goja.Value) (*Function, error) {
	if v == nil || goja.IsUndefined(v) {
		return &Function{Object: Object{ctx: c, undefined: true}}, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, c.mismatch(TypeFunction, v)
	}
	if _, ok := goja.AssertFunction(obj); !ok {
		return nil, c.mismatch(TypeFunction, v)
	}
	h, err := c.newHandle(obj)
	if err != nil {
		return nil, err
	}
	return &Function{Object: Object{ctx: c, handle: h}}, nil
}

// toEngine converts a host value for use in this context.
func (c *Context) toEngine(v any) (goja.Value, error) {
	val, known, err := c.engineValue(v)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, errors.Runtime("unsupported host value type %T", v)
	}
	return val, nil
}

// engineValue reports known=false for host types that have no script form.
func (c *Context) engineValue(v any) (goja.Value, bool, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), true, nil
	case Reference:
		if isNilReference(x) {
			return goja.Null(), true, nil
		}
		if x.IsUndefined() {
			return goja.Undefined(), true, nil
		}
		obj, err := c.sameContextTarget(x)
		if err != nil {
			return nil, true, err
		}
		return obj, true, nil
	case goja.Value:
		return x, true, nil
	case int:
		return c.vm.ToValue(x), true, nil
	case int8:
		return c.vm.ToValue(x), true, nil
	case int16:
		return c.vm.ToValue(x), true, nil
	case int32:
		return c.vm.ToValue(x), true, nil
	case int64:
		return c.vm.ToValue(x), true, nil
	case uint:
		return c.vm.ToValue(x), true, nil
	case uint8:
		return c.vm.ToValue(x), true, nil
	case uint16:
		return c.vm.ToValue(x), true, nil
	case uint32:
		return c.vm.ToValue(x), true, nil
	case uint64:
		return c.vm.ToValue(x), true, nil
	case float32:
		return c.vm.ToValue(float64(x)), true, nil
	case float64:
		return c.vm.ToValue(x), true, nil
	case bool:
		return c.vm.ToValue(x), true, nil
	case string:
		return c.vm.ToValue(x), true, nil
	case []byte:
		return c.vm.ToValue(c.vm.NewArrayBuffer(x)), true, nil
	}
	return nil, false, nil
}

// sameContextTarget resolves a reference that must belong to c.
func (c *Context) sameContextTarget(r Reference) (*goja.Object, error) {
	if isNilReference(r) {
		return nil, errors.Runtime("nil reference")
	}
	o := r.ref()
	if o.undefined {
		return nil, errors.Runtime("operation on undefined value")
	}
	if o.ctx != c {
		return nil, errors.Runtime("Invalid target context")
	}
	return o.target()
}

func isNilReference(r Reference) bool {
	if r == nil {
		return true
	}
	v := reflect.ValueOf(r)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// hostArgs converts script arguments for a host callback into a new Array.
func (c *Context) hostArgs(args []goja.Value) (*Array, error) {
	h, err := c.newHandle(c.vm.NewArray(toAnySlice(args)...))
	if err != nil {
		return nil, err
	}
	return &Array{Object: Object{ctx: c, handle: h}}, nil
}

func toAnySlice(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

// engineArgs converts the elements of a host argument array.
func (c *Context) engineArgs(args *Array) ([]goja.Value, error) {
	if args == nil || args.undefined {
		return nil, nil
	}
	obj, err := c.sameContextTarget(args)
	if err != nil {
		return nil, err
	}
	n := int(obj.Get("length").ToInteger())
	out := make([]goja.Value, n)
	for i := 0; i < n; i++ {
		v := obj.Get(strconv.Itoa(i))
		if v == nil {
			v = goja.Undefined()
		}
		out[i] = v
	}
	return out, nil
}

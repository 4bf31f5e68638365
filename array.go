package engine

import (
	"strconv"

	"github.com/dop251/goja"

	"github.com/icyseptember2237/jsengine/errors"
)

// Array wraps a handle to a script array. Arrays obtained for typed arrays
// share the element protocol but reject Push.
type Array struct {
	Object
}

// NewArray creates an empty array.
func (c *Context) NewArray() (*Array, error) {
	if err := c.checkLock(); err != nil {
		return nil, err
	}
	h, err := c.newHandle(c.vm.NewArray())
	if err != nil {
		return nil, err
	}
	return &Array{Object: Object{ctx: c, handle: h}}, nil
}

// NewArrayOf creates an array holding values, converted like Push.
func (c *Context) NewArrayOf(values ...any) (*Array, error) {
	a, err := c.NewArray()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if err := a.Push(v); err != nil {
			a.Release()
			return nil, err
		}
	}
	return a, nil
}

// NewObject creates an empty object.
func (c *Context) NewObject() (*Object, error) {
	if err := c.checkLock(); err != nil {
		return nil, err
	}
	h, err := c.newHandle(c.vm.NewObject())
	if err != nil {
		return nil, err
	}
	return &Object{ctx: c, handle: h}, nil
}

func (a *Array) length(obj *goja.Object) int {
	v := obj.Get("length")
	if v == nil {
		return 0
	}
	return int(v.ToInteger())
}

func (a *Array) Length() (int, error) {
	obj, err := a.target()
	if err != nil {
		return 0, err
	}
	n := 0
	err = a.ctx.guard(func() error {
		n = a.length(obj)
		return nil
	})
	return n, err
}

func (a *Array) element(obj *goja.Object, i int) goja.Value {
	v := obj.Get(strconv.Itoa(i))
	if v == nil {
		return goja.Undefined()
	}
	return v
}

func (a *Array) at(index int) (goja.Value, error) {
	obj, err := a.target()
	if err != nil {
		return nil, err
	}
	var v goja.Value
	err = a.ctx.guard(func() error {
		v = a.element(obj, index)
		return nil
	})
	return v, err
}

// elements reads the range [start, start+length).
func (a *Array) elements(start, length int) ([]goja.Value, error) {
	obj, err := a.target()
	if err != nil {
		return nil, err
	}
	var out []goja.Value
	err = a.ctx.guard(func() error {
		n := a.length(obj)
		if start < 0 || length < 0 || start > n || length > n-start {
			return errors.Runtime("range of %d elements at %d out of bounds for length %d", length, start, n)
		}
		out = make([]goja.Value, length)
		for i := range out {
			out[i] = a.element(obj, start+i)
		}
		return nil
	})
	return out, err
}

// Get returns the element converted without an expected shape.
func (a *Array) Get(index int) (any, error) {
	v, err := a.at(index)
	if err != nil {
		return nil, err
	}
	return a.ctx.toHost(v, TypeUnknown)
}

func (a *Array) Type(index int) (TypeTag, error) {
	v, err := a.at(index)
	if err != nil {
		return TypeUndefined, err
	}
	return a.ctx.typeOf(v), nil
}

// GetInteger requires a number element, truncated to a 32-bit integer.
func (a *Array) GetInteger(index int) (int, error) {
	v, err := a.at(index)
	if err != nil {
		return 0, err
	}
	return a.ctx.toInteger(v)
}

func (a *Array) GetDouble(index int) (float64, error) {
	v, err := a.at(index)
	if err != nil {
		return 0, err
	}
	return a.ctx.toDouble(v)
}

func (a *Array) GetBoolean(index int) (bool, error) {
	v, err := a.at(index)
	if err != nil {
		return false, err
	}
	return a.ctx.toBoolean(v)
}

// GetString requires a string element. A null element yields "".
func (a *Array) GetString(index int) (string, error) {
	v, err := a.at(index)
	if err != nil {
		return "", err
	}
	return a.ctx.toString(v)
}

// GetByte requires a number element and keeps its low 8 bits.
func (a *Array) GetByte(index int) (byte, error) {
	v, err := a.at(index)
	if err != nil {
		return 0, err
	}
	n, err := a.ctx.toInteger(v)
	return byte(n), err
}

func (a *Array) GetObject(index int) (*Object, error) {
	v, err := a.at(index)
	if err != nil {
		return nil, err
	}
	return a.ctx.toObject(v)
}

func (a *Array) GetArray(index int) (*Array, error) {
	v, err := a.at(index)
	if err != nil {
		return nil, err
	}
	return a.ctx.toArray(v)
}

func (a *Array) GetFunction(index int) (*Function, error) {
	v, err := a.at(index)
	if err != nil {
		return nil, err
	}
	return a.ctx.toFunction(v)
}

func isNumeric(t TypeTag) bool {
	return t == TypeInteger || t == TypeDouble
}

func isComposite(t TypeTag) bool {
	return t == TypeObject || t == TypeArray
}

// promote merges two element tags: Integer and Double give Double, Object
// and Array give Object, anything else must match exactly.
func promote(a, b TypeTag) (TypeTag, bool) {
	switch {
	case a == b:
		return a, true
	case isNumeric(a) && isNumeric(b):
		return TypeDouble, true
	case isComposite(a) && isComposite(b):
		return TypeObject, true
	}
	return TypeUndefined, false
}

func (a *Array) commonTag(values []goja.Value) (TypeTag, bool) {
	if len(values) == 0 {
		return TypeUndefined, false
	}
	tag := a.ctx.typeOf(values[0])
	for _, v := range values[1:] {
		var ok bool
		if tag, ok = promote(tag, a.ctx.typeOf(v)); !ok {
			return TypeUndefined, false
		}
	}
	return tag, true
}

// ArrayType infers the common element tag of the whole array. Typed arrays
// report their kind. Empty arrays and arrays without a common tag report
// TypeUndefined.
func (a *Array) ArrayType() (TypeTag, error) {
	obj, err := a.target()
	if err != nil {
		return TypeUndefined, err
	}
	if kind, ok := a.ctx.typedArrayKind(obj); ok {
		return kind, nil
	}
	n, err := a.Length()
	if err != nil {
		return TypeUndefined, err
	}
	values, err := a.elements(0, n)
	if err != nil {
		return TypeUndefined, err
	}
	tag, _ := a.commonTag(values)
	return tag, nil
}

// TypeRange returns the tag shared by every element of the range. Elements
// of different tags are a ResultUndefined error.
func (a *Array) TypeRange(start, length int) (TypeTag, error) {
	values, err := a.elements(start, length)
	if err != nil {
		return TypeUndefined, err
	}
	if len(values) == 0 {
		return TypeUndefined, nil
	}
	tag := a.ctx.typeOf(values[0])
	for i, v := range values[1:] {
		if t := a.ctx.typeOf(v); t != tag {
			return TypeUndefined, errors.ResultUndefined("element %d is %s, expected %s", start+i+1, t, tag)
		}
	}
	return tag, nil
}

// Slice converts the range using the inferred common tag of its elements:
// a range mixing integers and doubles yields float64 values throughout.
// A range without a common tag is a ResultUndefined error.
func (a *Array) Slice(start, length int) ([]any, error) {
	values, err := a.elements(start, length)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(values))
	if len(values) == 0 {
		return out, nil
	}
	tag, ok := a.commonTag(values)
	if !ok {
		return nil, errors.ResultUndefined("elements in [%d, %d) have no common type", start, start+length)
	}
	switch tag {
	case TypeInteger, TypeDouble, TypeBoolean, TypeString:
	default:
		tag = TypeUnknown
	}
	for i, v := range values {
		if out[i], err = a.ctx.toHost(v, tag); err != nil {
			releaseAll(out[:i])
			return nil, err
		}
	}
	return out, nil
}

func releaseAll(values []any) {
	for _, v := range values {
		if r, ok := v.(Reference); ok && !isNilReference(r) {
			r.Release()
		}
	}
}

func fill[T any](a *Array, start, length int, dst []T, conv func(goja.Value) (T, error)) (int, error) {
	if len(dst) < length {
		return 0, errors.Runtime("destination holds %d elements, %d required", len(dst), length)
	}
	values, err := a.elements(start, length)
	if err != nil {
		return 0, err
	}
	for i, v := range values {
		if dst[i], err = conv(v); err != nil {
			return 0, err
		}
	}
	return len(values), nil
}

func gather[T any](a *Array, start, length int, conv func(goja.Value) (T, error)) ([]T, error) {
	values, err := a.elements(start, length)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(values))
	for i, v := range values {
		if out[i], err = conv(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *Array) toByte(v goja.Value) (byte, error) {
	n, err := a.ctx.toInteger(v)
	return byte(n), err
}

// Integers reads a range of number elements as 32-bit integers.
func (a *Array) Integers(start, length int) ([]int, error) {
	return gather(a, start, length, a.ctx.toInteger)
}

// IntegersInto is Integers writing into dst. It returns the number of
// elements written.
func (a *Array) IntegersInto(start, length int, dst []int) (int, error) {
	return fill(a, start, length, dst, a.ctx.toInteger)
}

func (a *Array) Doubles(start, length int) ([]float64, error) {
	return gather(a, start, length, a.ctx.toDouble)
}

func (a *Array) DoublesInto(start, length int, dst []float64) (int, error) {
	return fill(a, start, length, dst, a.ctx.toDouble)
}

func (a *Array) Booleans(start, length int) ([]bool, error) {
	return gather(a, start, length, a.ctx.toBoolean)
}

func (a *Array) BooleansInto(start, length int, dst []bool) (int, error) {
	return fill(a, start, length, dst, a.ctx.toBoolean)
}

func (a *Array) Bytes(start, length int) ([]byte, error) {
	return gather(a, start, length, a.toByte)
}

func (a *Array) BytesInto(start, length int, dst []byte) (int, error) {
	return fill(a, start, length, dst, a.toByte)
}

// Strings reads a range of string elements. Null elements yield "".
func (a *Array) Strings(start, length int) ([]string, error) {
	return gather(a, start, length, a.ctx.toString)
}

func (a *Array) StringsInto(start, length int, dst []string) (int, error) {
	return fill(a, start, length, dst, a.ctx.toString)
}

// Push appends value. Typed arrays have a fixed length and always refuse.
func (a *Array) Push(value any) error {
	obj, err := a.target()
	if err != nil {
		return err
	}
	if _, typed := a.ctx.typedArrayKind(obj); typed {
		return errors.Runtime("Cannot push to a Typed Array.")
	}
	v, err := a.ctx.toEngine(value)
	if err != nil {
		return err
	}
	return a.ctx.guard(func() error {
		if err := obj.Set(strconv.Itoa(a.length(obj)), v); err != nil {
			return a.ctx.captureError(err)
		}
		return nil
	})
}

func (a *Array) PushNull() error {
	return a.Push(nil)
}

func (a *Array) PushUndefined() error {
	return a.Push(Undefined)
}

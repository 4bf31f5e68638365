package engine

import (
	"reflect"

	"github.com/dop251/goja"

	"github.com/icyseptember2237/jsengine/errors"
	"github.com/icyseptember2237/jsengine/handle"
)

// Reference is a host wrapper around a handle to a script object: *Object,
// *Array, *TypedArray, *ArrayBuffer or *Function.
type Reference interface {
	Handle() handle.Handle
	Context() *Context
	IsUndefined() bool
	IsReleased() bool
	Release()
	SetWeak() error
	ClearWeak() error
	IsWeak() bool
	ref() *Object
}

// Object wraps a handle to a script object. The zero handle with undefined
// set is the undefined-typed wrapper returned where an object was expected
// but the value was undefined.
type Object struct {
	ctx       *Context
	handle    handle.Handle
	undefined bool
}

func (o *Object) ref() *Object {
	return o
}

// Handle returns the underlying handle; zero for undefined wrappers.
func (o *Object) Handle() handle.Handle {
	return o.handle
}

// Context returns the owning context; nil for the shared Undefined value.
func (o *Object) Context() *Context {
	return o.ctx
}

func (o *Object) IsUndefined() bool {
	return o.undefined
}

// IsReleased reports whether the handle no longer refers to a live value.
// Undefined wrappers are never released.
func (o *Object) IsReleased() bool {
	if o.undefined {
		return false
	}
	if o.ctx == nil || o.ctx.IsReleased() {
		return true
	}
	return !o.ctx.rt.handles.Valid(o.handle)
}

// Release frees the handle. Releasing twice, releasing an undefined wrapper
// or releasing after the runtime was disposed is a no-op.
func (o *Object) Release() {
	if o.undefined || o.ctx == nil || o.ctx.rt.released.Load() {
		return
	}
	o.ctx.rt.handles.Release(o.handle)
}

// SetWeak lets the engine collect the referent once the script no longer
// reaches it. The handle is then invalidated and reference handlers are
// notified once.
func (o *Object) SetWeak() error {
	if o.undefined || o.ctx == nil || o.ctx.rt.released.Load() {
		return nil
	}
	if err := o.ctx.rt.checkLock(); err != nil {
		return err
	}
	o.ctx.rt.handles.SetWeak(o.handle, nil)
	return nil
}

// ClearWeak makes a weak handle strong again.
func (o *Object) ClearWeak() error {
	if o.undefined || o.ctx == nil || o.ctx.rt.released.Load() {
		return nil
	}
	if err := o.ctx.rt.checkLock(); err != nil {
		return err
	}
	o.ctx.rt.handles.ClearWeak(o.handle)
	return nil
}

func (o *Object) IsWeak() bool {
	if o.undefined || o.ctx == nil || o.ctx.rt.released.Load() {
		return false
	}
	return o.ctx.rt.handles.IsWeak(o.handle)
}

// target resolves the script object behind o, checking lock, disposal and
// handle validity.
func (o *Object) target() (*goja.Object, error) {
	if o.undefined {
		return nil, errors.Runtime("operation on undefined value")
	}
	if o.ctx == nil {
		return nil, errors.Runtime("object has no context")
	}
	if err := o.ctx.checkLock(); err != nil {
		return nil, err
	}
	obj, ok := o.ctx.rt.handles.Get(o.handle)
	if !ok {
		return nil, errors.Runtime("Object released")
	}
	return obj, nil
}

// Twin returns a new handle to the same script object.
func (o *Object) Twin() (*Object, error) {
	if o.undefined {
		return o, nil
	}
	obj, err := o.target()
	if err != nil {
		return nil, err
	}
	h, err := o.ctx.newHandle(obj)
	if err != nil {
		return nil, err
	}
	return &Object{ctx: o.ctx, handle: h}, nil
}

// Contains reports whether key is a property of the object or its
// prototype chain.
func (o *Object) Contains(key string) (bool, error) {
	obj, err := o.target()
	if err != nil {
		return false, err
	}
	v, err := o.ctx.helpers.has(goja.Undefined(), obj, o.ctx.vm.ToValue(key))
	if err != nil {
		return false, o.ctx.captureError(err)
	}
	return v.ToBoolean(), nil
}

// Keys returns the own enumerable property names.
func (o *Object) Keys() ([]string, error) {
	obj, err := o.target()
	if err != nil {
		return nil, err
	}
	var keys []string
	err = o.ctx.guard(func() error {
		keys = obj.Keys()
		return nil
	})
	return keys, err
}

func (o *Object) property(key string) (goja.Value, error) {
	obj, err := o.target()
	if err != nil {
		return nil, err
	}
	var v goja.Value
	err = o.ctx.guard(func() error {
		v = obj.Get(key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = goja.Undefined()
	}
	return v, nil
}

// Get returns the property converted without an expected shape.
func (o *Object) Get(key string) (any, error) {
	v, err := o.property(key)
	if err != nil {
		return nil, err
	}
	return o.ctx.toHost(v, TypeUnknown)
}

// Type returns the type tag of the property value.
func (o *Object) Type(key string) (TypeTag, error) {
	v, err := o.property(key)
	if err != nil {
		return TypeUndefined, err
	}
	return o.ctx.typeOf(v), nil
}

// GetInteger requires a number property, truncated to a 32-bit integer.
func (o *Object) GetInteger(key string) (int, error) {
	v, err := o.property(key)
	if err != nil {
		return 0, err
	}
	return o.ctx.toInteger(v)
}

func (o *Object) GetDouble(key string) (float64, error) {
	v, err := o.property(key)
	if err != nil {
		return 0, err
	}
	return o.ctx.toDouble(v)
}

func (o *Object) GetBoolean(key string) (bool, error) {
	v, err := o.property(key)
	if err != nil {
		return false, err
	}
	return o.ctx.toBoolean(v)
}

// GetString requires a string property. A null property yields "".
func (o *Object) GetString(key string) (string, error) {
	v, err := o.property(key)
	if err != nil {
		return "", err
	}
	return o.ctx.toString(v)
}

// GetObject requires an object property. Null yields nil, undefined an
// undefined-typed Object.
func (o *Object) GetObject(key string) (*Object, error) {
	v, err := o.property(key)
	if err != nil {
		return nil, err
	}
	return o.ctx.toObject(v)
}

// GetArray requires an array property. Null yields nil, undefined an
// undefined-typed Array.
func (o *Object) GetArray(key string) (*Array, error) {
	v, err := o.property(key)
	if err != nil {
		return nil, err
	}
	return o.ctx.toArray(v)
}

func (o *Object) GetFunction(key string) (*Function, error) {
	v, err := o.property(key)
	if err != nil {
		return nil, err
	}
	return o.ctx.toFunction(v)
}

// Set stores value under key. Primitives, nil, Undefined, []byte and
// references of the same context are accepted.
func (o *Object) Set(key string, value any) error {
	obj, err := o.target()
	if err != nil {
		return err
	}
	v, err := o.ctx.toEngine(value)
	if err != nil {
		return err
	}
	return o.ctx.guard(func() error {
		if err := obj.Set(key, v); err != nil {
			return o.ctx.captureError(err)
		}
		return nil
	})
}

func (o *Object) SetNull(key string) error {
	return o.Set(key, nil)
}

func (o *Object) SetUndefined(key string) error {
	return o.Set(key, Undefined)
}

// Delete removes the own property key.
func (o *Object) Delete(key string) error {
	obj, err := o.target()
	if err != nil {
		return err
	}
	return o.ctx.guard(func() error {
		if err := obj.Delete(key); err != nil {
			return o.ctx.captureError(err)
		}
		return nil
	})
}

// SetPrototype replaces the prototype of the object. A nil proto sets a null
// prototype.
func (o *Object) SetPrototype(proto Reference) error {
	obj, err := o.target()
	if err != nil {
		return err
	}
	var p *goja.Object
	if !isNilReference(proto) {
		if p, err = o.ctx.sameContextTarget(proto); err != nil {
			return err
		}
	}
	return o.ctx.guard(func() error {
		if err := obj.SetPrototype(p); err != nil {
			return o.ctx.captureError(err)
		}
		return nil
	})
}

func (o *Object) ConstructorName() (string, error) {
	obj, err := o.target()
	if err != nil {
		return "", err
	}
	name := ""
	err = o.ctx.guard(func() error {
		if ctor, ok := obj.Get("constructor").(*goja.Object); ok {
			if n := ctor.Get("name"); n != nil && !goja.IsUndefined(n) {
				name = n.String()
			}
		}
		if name == "" {
			name = obj.ClassName()
		}
		return nil
	})
	return name, err
}

// IdentityHash returns a hash stable for the lifetime of the script object.
// Distinct objects may collide.
func (o *Object) IdentityHash() (int, error) {
	obj, err := o.target()
	if err != nil {
		return 0, err
	}
	p := uint64(reflect.ValueOf(obj).Pointer())
	return int(uint32(p>>4^p>>36) & 0x7fffffff), nil
}

func (o *Object) compareTarget(other Reference) (goja.Value, goja.Value, error) {
	var a goja.Value = goja.Undefined()
	if !o.undefined {
		obj, err := o.target()
		if err != nil {
			return nil, nil, err
		}
		a = obj
	}
	if other == nil {
		return a, goja.Null(), nil
	}
	b, err := o.ctx.toEngine(other)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Equals compares with script == semantics.
func (o *Object) Equals(other Reference) (bool, error) {
	if o.undefined {
		return other != nil && other.IsUndefined(), nil
	}
	a, b, err := o.compareTarget(other)
	if err != nil {
		return false, err
	}
	return a.Equals(b), nil
}

// StrictEquals compares with script === semantics.
func (o *Object) StrictEquals(other Reference) (bool, error) {
	if o.undefined {
		return other != nil && other.IsUndefined(), nil
	}
	a, b, err := o.compareTarget(other)
	if err != nil {
		return false, err
	}
	return a.StrictEquals(b), nil
}

// SameValue compares with script Object.is semantics.
func (o *Object) SameValue(other Reference) (bool, error) {
	if o.undefined {
		return other != nil && other.IsUndefined(), nil
	}
	a, b, err := o.compareTarget(other)
	if err != nil {
		return false, err
	}
	return a.SameAs(b), nil
}

func (o *Object) ToString() (string, error) {
	if o.undefined {
		return "undefined", nil
	}
	obj, err := o.target()
	if err != nil {
		return "", err
	}
	var s string
	err = o.ctx.guard(func() error {
		s = obj.String()
		return nil
	})
	return s, err
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	s, err := o.ToString()
	if err != nil {
		return "[released]"
	}
	return s
}

// Export converts the object into plain Go values: maps, slices and
// primitives.
func (o *Object) Export() (any, error) {
	if o.undefined {
		return nil, nil
	}
	obj, err := o.target()
	if err != nil {
		return nil, err
	}
	var out any
	err = o.ctx.guard(func() error {
		out = obj.Export()
		return nil
	})
	return out, err
}

package engine

import (
	"math"
	"reflect"

	"github.com/dop251/goja"
)

// TypeTag classifies a value crossing the boundary. The numeric values are
// stable and shared with typed array kinds: Int32Array reuses Integer and
// Float64Array reuses Double.
type TypeTag int

const (
	TypeNull              TypeTag = 0
	TypeUnknown           TypeTag = 0
	TypeInteger           TypeTag = 1
	TypeInt32Array        TypeTag = 1
	TypeDouble            TypeTag = 2
	TypeFloat64Array      TypeTag = 2
	TypeBoolean           TypeTag = 3
	TypeString            TypeTag = 4
	TypeArray             TypeTag = 5
	TypeObject            TypeTag = 6
	TypeFunction          TypeTag = 7
	TypeTypedArray        TypeTag = 8
	TypeInt8Array         TypeTag = 9
	TypeArrayBuffer       TypeTag = 10
	TypeUint8Array        TypeTag = 11
	TypeUint8ClampedArray TypeTag = 12
	TypeInt16Array        TypeTag = 13
	TypeUint16Array       TypeTag = 14
	TypeUint32Array       TypeTag = 15
	TypeFloat32Array      TypeTag = 16
	TypeUndefined         TypeTag = 99
)

func (t TypeTag) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInteger:
		return "integer"
	case TypeDouble:
		return "double"
	case TypeBoolean:
		return "boolean"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	case TypeFunction:
		return "function"
	case TypeTypedArray:
		return "typed array"
	case TypeArrayBuffer:
		return "array buffer"
	case TypeUndefined:
		return "undefined"
	}
	if name, ok := typedArrayNames[t]; ok {
		return name
	}
	return "unknown"
}

// typed array kind -> constructor name
var typedArrayNames = map[TypeTag]string{
	TypeInt8Array:         "Int8Array",
	TypeUint8Array:        "Uint8Array",
	TypeUint8ClampedArray: "Uint8ClampedArray",
	TypeInt16Array:        "Int16Array",
	TypeUint16Array:       "Uint16Array",
	TypeInt32Array:        "Int32Array",
	TypeUint32Array:       "Uint32Array",
	TypeFloat32Array:      "Float32Array",
	TypeFloat64Array:      "Float64Array",
}

var typedArrayKinds = func() map[string]TypeTag {
	m := make(map[string]TypeTag, len(typedArrayNames))
	for k, v := range typedArrayNames {
		m[v] = k
	}
	return m
}()

// ElementSize returns the byte width of one element of a typed array kind,
// or 0 if kind is not a typed array kind.
func ElementSize(kind TypeTag) int {
	switch kind {
	case TypeInt8Array, TypeUint8Array, TypeUint8ClampedArray:
		return 1
	case TypeInt16Array, TypeUint16Array:
		return 2
	case TypeInt32Array, TypeUint32Array, TypeFloat32Array:
		return 4
	case TypeFloat64Array:
		return 8
	}
	return 0
}

var typeArrayBuffer = reflect.TypeOf(goja.ArrayBuffer{})

// Undefined is the host representation of the script value undefined when
// no shape is expected. It is an undefined-typed Object wrapper shared by
// every runtime.
var Undefined = &Object{undefined: true}

// IsUndefined reports whether v is the script value undefined on the host
// side: the Undefined value or any undefined-typed wrapper.
func IsUndefined(v any) bool {
	r, ok := v.(Reference)
	return ok && r != nil && r.IsUndefined()
}

// isInt32 reports whether f round-trips through a 32-bit signed integer.
func isInt32(f float64) bool {
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return false
	}
	return f != 0 || !math.Signbit(f)
}

// toInt32 applies the script ToInt32 conversion.
func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Mod(math.Trunc(f), 4294967296)
	if f < 0 {
		f += 4294967296
	}
	return int32(uint32(f))
}

func numberOf(v goja.Value) (float64, bool) {
	if _, ok := v.(*goja.Object); ok {
		return 0, false
	}
	switch x := v.Export().(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// primitiveTag classifies a non-object value.
func primitiveTag(v goja.Value) TypeTag {
	if v == nil || goja.IsUndefined(v) {
		return TypeUndefined
	}
	if goja.IsNull(v) {
		return TypeNull
	}
	switch x := v.Export().(type) {
	case int64:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return TypeInteger
		}
		return TypeDouble
	case float64:
		if isInt32(x) {
			return TypeInteger
		}
		return TypeDouble
	case bool:
		return TypeBoolean
	case string:
		return TypeString
	}
	return TypeUndefined
}

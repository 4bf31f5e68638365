package engine

import (
	"github.com/dop251/goja"

	"github.com/icyseptember2237/jsengine/errors"
)

// ArrayBuffer wraps a handle to a script ArrayBuffer. Its bytes are shared
// with the engine: writes through Bytes are visible to every typed array
// over the buffer and the other way round.
type ArrayBuffer struct {
	Object
}

// TypedArray wraps a handle to a fixed-length typed array view.
type TypedArray struct {
	Array
	kind TypeTag
}

// NewArrayBuffer creates a zero-filled buffer of capacity bytes.
func (c *Context) NewArrayBuffer(capacity int) (*ArrayBuffer, error) {
	if capacity < 0 {
		return nil, errors.Runtime("negative buffer capacity %d", capacity)
	}
	return c.NewArrayBufferFrom(make([]byte, capacity))
}

// NewArrayBufferFrom creates a buffer backed by data without copying it. The
// caller must not use data after the buffer is released unless it keeps its
// own reference and accepts engine writes.
func (c *Context) NewArrayBufferFrom(data []byte) (*ArrayBuffer, error) {
	if err := c.checkLock(); err != nil {
		return nil, err
	}
	obj, ok := c.vm.ToValue(c.vm.NewArrayBuffer(data)).(*goja.Object)
	if !ok {
		return nil, errors.Runtime("cannot create array buffer")
	}
	h, err := c.newHandle(obj)
	if err != nil {
		return nil, err
	}
	return &ArrayBuffer{Object: Object{ctx: c, handle: h}}, nil
}

func (b *ArrayBuffer) buffer() (goja.ArrayBuffer, error) {
	obj, err := b.target()
	if err != nil {
		return goja.ArrayBuffer{}, err
	}
	ab, ok := obj.Export().(goja.ArrayBuffer)
	if !ok {
		return goja.ArrayBuffer{}, errors.Runtime("object is not an ArrayBuffer")
	}
	return ab, nil
}

// Bytes returns the backing store. The slice aliases engine memory and is
// valid only while the handle is live.
func (b *ArrayBuffer) Bytes() ([]byte, error) {
	ab, err := b.buffer()
	if err != nil {
		return nil, err
	}
	return ab.Bytes(), nil
}

// ByteLength returns the buffer size in bytes.
func (b *ArrayBuffer) ByteLength() (int, error) {
	ab, err := b.buffer()
	if err != nil {
		return 0, err
	}
	return len(ab.Bytes()), nil
}

// NewTypedArray creates a view of kind over buffer, starting at byte offset
// and holding length elements.
func (c *Context) NewTypedArray(kind TypeTag, buffer *ArrayBuffer, offset, length int) (*TypedArray, error) {
	name, ok := typedArrayNames[kind]
	if !ok {
		return nil, errors.Runtime("%s is not a typed array kind", kind)
	}
	bufObj, err := c.sameContextTarget(buffer)
	if err != nil {
		return nil, err
	}
	size := ElementSize(kind)
	byteLength, err := buffer.ByteLength()
	if err != nil {
		return nil, err
	}
	switch {
	case offset < 0 || length < 0:
		return nil, errors.Runtime("negative offset or length")
	case offset%size != 0:
		return nil, errors.Runtime("start offset of %s should be a multiple of %d", name, size)
	case offset+length*size > byteLength:
		return nil, errors.Runtime("invalid typed array length: %d", length)
	}

	ctor, ok := c.vm.Get(name).(*goja.Object)
	if !ok {
		return nil, errors.Runtime("%s constructor is not available", name)
	}
	var obj *goja.Object
	err = c.guard(func() error {
		var err error
		obj, err = c.vm.New(ctor, bufObj, c.vm.ToValue(offset), c.vm.ToValue(length))
		if err != nil {
			return c.captureError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	h, err := c.newHandle(obj)
	if err != nil {
		return nil, err
	}
	return &TypedArray{Array: Array{Object: Object{ctx: c, handle: h}}, kind: kind}, nil
}

func (t *TypedArray) Kind() TypeTag {
	return t.kind
}

func (t *TypedArray) intProperty(name string) (int, error) {
	v, err := t.property(name)
	if err != nil {
		return 0, err
	}
	return t.ctx.toInteger(v)
}

func (t *TypedArray) ByteOffset() (int, error) {
	return t.intProperty("byteOffset")
}

func (t *TypedArray) ByteLength() (int, error) {
	return t.intProperty("byteLength")
}

// Buffer returns a new handle to the underlying ArrayBuffer.
func (t *TypedArray) Buffer() (*ArrayBuffer, error) {
	v, err := t.property("buffer")
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ExportType() != typeArrayBuffer {
		return nil, errors.Runtime("typed array has no buffer")
	}
	h, err := t.ctx.newHandle(obj)
	if err != nil {
		return nil, err
	}
	return &ArrayBuffer{Object: Object{ctx: t.ctx, handle: h}}, nil
}

// Bytes returns the bytes covered by the view, aliasing engine memory.
func (t *TypedArray) Bytes() ([]byte, error) {
	buf, err := t.Buffer()
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	data, err := buf.Bytes()
	if err != nil {
		return nil, err
	}
	off, err := t.ByteOffset()
	if err != nil {
		return nil, err
	}
	n, err := t.ByteLength()
	if err != nil {
		return nil, err
	}
	return data[off : off+n : off+n], nil
}

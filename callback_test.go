package engine

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/icyseptember2237/jsengine/errors"
)

func TestCallback_Add(t *testing.T) {
	_, c := newTestContext(t, Options{})
	global := c.Global()

	_, err := global.RegisterMethod("add", func(_ *Object, args *Array) (any, error) {
		a, err := args.GetInteger(0)
		if err != nil {
			return nil, err
		}
		b, err := args.GetInteger(1)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	args, err := c.NewArrayOf(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer args.Release()
	n, err := global.ExecuteIntegerFunction("add", args)
	if err != nil {
		t.Fatalf("ExecuteIntegerFunction: %v", err)
	}
	if n != 5 {
		t.Fatalf("add(2, 3) = %d", n)
	}

	n, err = c.ExecuteIntegerScript("add(add(1, 1), 40)")
	if err != nil || n != 42 {
		t.Fatalf("nested calls = %d, %v", n, err)
	}
}

func TestCallback_HostErrorWrapped(t *testing.T) {
	_, c := newTestContext(t, Options{})
	boom := stderrors.New("boom")
	_, err := c.Global().RegisterMethod("explode", func(*Object, *Array) (any, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Global().ExecuteVoidFunction("explode", nil)
	e := requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() == nil || e.Wrapped().Error() != "boom" {
		t.Fatalf("wrapped = %v, expected boom", e.Wrapped())
	}
	if !stderrors.Is(err, boom) {
		t.Fatal("errors.Is must reach the host error")
	}
	if !strings.Contains(e.Message, "boom") {
		t.Fatalf("message %q lost the script-level text", e.Message)
	}

	// the pending error must not leak into the next, unrelated failure
	err = c.ExecuteVoidScript("throw new Error('plain')")
	e = requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() != nil {
		t.Fatalf("unrelated failure inherited wrapped error %v", e.Wrapped())
	}
	if e.Message != "Error: plain" {
		t.Fatalf("message = %q", e.Message)
	}
}

func TestCallback_HostErrorCatchable(t *testing.T) {
	_, c := newTestContext(t, Options{})
	_, err := c.Global().RegisterVoidMethod("fail", func(*Object, *Array) error {
		return fmt.Errorf("bad input")
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.ExecuteStringScript("try { fail(); 'no' } catch (e) { e.message }")
	if err != nil {
		t.Fatal(err)
	}
	if s != "bad input" {
		t.Fatalf("caught message = %q", s)
	}

	// caught errors leave no pending cause behind
	err = c.ExecuteVoidScript("null.x")
	e := requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() != nil {
		t.Fatalf("wrapped = %v", e.Wrapped())
	}
}

func TestCallback_EmptyHostError(t *testing.T) {
	_, c := newTestContext(t, Options{})
	_, err := c.Global().RegisterVoidMethod("quiet", func(*Object, *Array) error {
		return stderrors.New("")
	})
	if err != nil {
		t.Fatal(err)
	}
	err = c.ExecuteVoidScript("quiet()")
	e := requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() == nil || e.Wrapped().Error() != "unhandled host error" {
		t.Fatalf("wrapped = %v", e.Wrapped())
	}
}

func TestCallback_Panic(t *testing.T) {
	rt, c := newTestContext(t, Options{})
	_, err := c.Global().RegisterMethod("crash", func(*Object, *Array) (any, error) {
		panic("bad state")
	})
	if err != nil {
		t.Fatal(err)
	}

	err = c.ExecuteVoidScript("crash()")
	e := requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() == nil || !strings.Contains(e.Wrapped().Error(), "bad state") {
		t.Fatalf("wrapped = %v", e.Wrapped())
	}
	if rt.InContext() {
		t.Fatal("execution depth not restored after a panicking callback")
	}
	if n := c.ObjectReferenceCount(); n != 0 {
		t.Fatalf("callback leaked %d handles", n)
	}
}

func TestCallback_ReceiverAndArgsReleased(t *testing.T) {
	_, c := newTestContext(t, Options{})

	var receiver *Object
	var args *Array
	_, err := c.Global().RegisterMethod("capture", func(r *Object, a *Array) (any, error) {
		receiver, args = r, a
		name, err := r.GetString("name")
		if err != nil {
			return nil, err
		}
		n, err := a.Length()
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("%s/%d", name, n), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := c.ExecuteStringScript("var o = {name: 'obj', capture: capture}; o.capture(1, 2, 3)")
	if err != nil {
		t.Fatal(err)
	}
	if s != "obj/3" {
		t.Fatalf("got %q", s)
	}
	if !receiver.IsReleased() || !args.IsReleased() {
		t.Fatal("receiver and arguments must be released after the call")
	}
	if n := c.ObjectReferenceCount(); n != 0 {
		t.Fatalf("ObjectReferenceCount = %d", n)
	}

	if err := c.ExecuteVoidScript("capture.call(undefined)"); err == nil {
		t.Fatal("a receiver without a name must fail")
	}
}

func TestCallback_ReturnTypes(t *testing.T) {
	_, c := newTestContext(t, Options{})
	global := c.Global()

	kept, err := c.NewObject()
	if err != nil {
		t.Fatal(err)
	}
	if err := kept.Set("tag", "kept"); err != nil {
		t.Fatal(err)
	}
	missing, err := global.GetArray("missing")
	if err != nil {
		t.Fatal(err)
	}

	returns := map[string]any{
		"retInt":     7,
		"retDouble":  1.5,
		"retBool":    true,
		"retString":  "s",
		"retNil":     nil,
		"retObject":  kept,
		"retUndef":   missing,
		"retBytes":   []byte{1, 2},
		"retUnknown": struct{}{},
	}
	for name, v := range returns {
		v := v
		if _, err := global.RegisterMethod(name, func(*Object, *Array) (any, error) { return v, nil }); err != nil {
			t.Fatal(err)
		}
	}

	checks := map[string]string{
		"retInt":    "retInt() === 7",
		"retDouble": "retDouble() === 1.5",
		"retBool":   "retBool() === true",
		"retString": "retString() === 's'",
		"retNil":    "retNil() === null",
		"retObject": "retObject().tag === 'kept'",
		"retUndef":  "retUndef() === undefined",
		"retBytes":  "retBytes().byteLength === 2",
	}
	for name, source := range checks {
		ok, err := c.ExecuteBooleanScript(source)
		if err != nil || !ok {
			t.Errorf("%s: %v, %v", name, ok, err)
		}
	}

	if kept.IsReleased() {
		t.Fatal("returned references stay owned by the host")
	}

	err = c.ExecuteVoidScript("retUnknown()")
	e := requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() == nil || !strings.Contains(e.Wrapped().Error(), "unknown return type") {
		t.Fatalf("wrapped = %v", e.Wrapped())
	}
}

func TestCallback_VoidReturnsUndefined(t *testing.T) {
	_, c := newTestContext(t, Options{})
	calls := 0
	_, err := c.Global().RegisterVoidMethod("tick", func(*Object, *Array) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.ExecuteScript("tick(); tick()")
	if err != nil {
		t.Fatal(err)
	}
	if !IsUndefined(v) {
		t.Fatalf("void method returned %#v", v)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestCallback_ReleaseMethodDescriptor(t *testing.T) {
	_, c := newTestContext(t, Options{})
	notified := 0
	c.SetMethodReleaseListener(func(MethodID) { notified++ })

	id, err := c.Global().RegisterMethod("gone", func(*Object, *Array) (any, error) { return 1, nil })
	if err != nil {
		t.Fatal(err)
	}
	if c.MethodCount() != 1 {
		t.Fatalf("MethodCount = %d", c.MethodCount())
	}
	if err := c.ReleaseMethodDescriptor(id); err != nil {
		t.Fatal(err)
	}
	if err := c.ReleaseMethodDescriptor(id); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
	if c.MethodCount() != 0 {
		t.Fatalf("MethodCount = %d", c.MethodCount())
	}
	if notified != 0 {
		t.Fatal("explicit release must not notify the listener")
	}

	err = c.ExecuteVoidScript("gone()")
	requireKind(t, err, errors.ErrExecution)
	if !strings.Contains(err.Error(), "method descriptor released") {
		t.Fatalf("error = %v", err)
	}
}

func TestCallback_MethodFinalized(t *testing.T) {
	rt, c := newTestContext(t, Options{})
	var released []MethodID
	c.SetMethodReleaseListener(func(id MethodID) { released = append(released, id) })

	holder, err := c.NewObject()
	if err != nil {
		t.Fatal(err)
	}
	id, err := holder.RegisterMethod("temp", func(*Object, *Array) (any, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	kept, err := c.Global().RegisterMethod("kept", func(*Object, *Array) (any, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	holder.Release()

	collect(t, rt, func() bool { return len(released) > 0 })
	for i := 0; i < 3; i++ {
		collect(t, rt, func() bool { return true })
	}

	if len(released) != 1 || released[0] != id {
		t.Fatalf("released = %v, expected only %d", released, id)
	}
	if c.MethodCount() != 1 {
		t.Fatalf("MethodCount = %d", c.MethodCount())
	}
	if err := c.ExecuteVoidScript("kept()"); err != nil {
		t.Fatalf("reachable method %d must survive: %v", kept, err)
	}
}

func TestCallback_NewFunction(t *testing.T) {
	_, c := newTestContext(t, Options{})
	fn, err := c.NewFunction(func(r *Object, args *Array) (any, error) {
		s, err := args.GetString(0)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	args, err := c.NewArrayOf("abc")
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn.Call(nil, args)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ABC" {
		t.Fatalf("Call = %#v", got)
	}

	if err := c.Global().Set("upper", fn); err != nil {
		t.Fatal(err)
	}
	s, err := c.ExecuteStringScript("['x', 'y'].map(function (v) { return upper(v); }).join('')")
	if err != nil || s != "XY" {
		t.Fatalf("script call = %q, %v", s, err)
	}
}

func TestCallback_RegisterGoFunction(t *testing.T) {
	_, c := newTestContext(t, Options{})
	global := c.Global()

	if _, err := global.RegisterGoFunction("concat", func(a string, b int) string {
		return fmt.Sprintf("%s%d", a, b)
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := global.RegisterGoFunction("divide", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, stderrors.New("division by zero")
		}
		return a / b, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := global.RegisterGoFunction("pair", func() (int, string) { return 1, "one" }); err != nil {
		t.Fatal(err)
	}

	s, err := c.ExecuteStringScript("concat('n', 4)")
	if err != nil || s != "n4" {
		t.Fatalf("concat = %q, %v", s, err)
	}
	d, err := c.ExecuteDoubleScript("divide(3, 4)")
	if err != nil || d != 0.75 {
		t.Fatalf("divide = %v, %v", d, err)
	}
	err = c.ExecuteVoidScript("divide(1, 0)")
	e := requireKind(t, err, errors.ErrExecution)
	if e.Wrapped() == nil || e.Wrapped().Error() != "division by zero" {
		t.Fatalf("wrapped = %v", e.Wrapped())
	}
	ok, err := c.ExecuteBooleanScript("var p = pair(); p[0] === 1 && p[1] === 'one'")
	if err != nil || !ok {
		t.Fatalf("pair = %v, %v", ok, err)
	}

	if _, err := global.RegisterGoFunction("bad", 42); err == nil {
		t.Fatal("non-function must be rejected")
	}
	if _, err := global.RegisterGoFunction("variadic", func(...int) {}); err == nil {
		t.Fatal("variadic function must be rejected")
	}
}

func TestContext_ExceptionListener(t *testing.T) {
	_, c := newTestContext(t, Options{})
	var seen []*errors.Error
	c.SetExceptionListener(func(e *errors.Error) { seen = append(seen, e) })

	c.ExecuteVoidScript("throw new TypeError('first')")
	c.ExecuteVoidScript("1+")
	c.SetExceptionListener(nil)
	c.ExecuteVoidScript("throw 1")

	if len(seen) != 1 {
		t.Fatalf("listener saw %d errors, expected only the execution error", len(seen))
	}
	if seen[0].Message != "TypeError: first" {
		t.Fatalf("message = %q", seen[0].Message)
	}
}

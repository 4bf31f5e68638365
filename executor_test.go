package engine

import (
	"context"
	stderrors "errors"
	"reflect"
	"testing"
	"time"

	"github.com/icyseptember2237/jsengine/errors"
)

const executorScript = `
function add(a, b) { return a + b; }
function point(x, y) { return {x: x, y: y}; }
function fail() { throw new Error('nope'); }
function spin() {
	started();
	for (;;) { __executor_check_terminate__(); }
}
`

func newTestExecutor(t *testing.T, started chan struct{}) *Executor {
	t.Helper()
	e := NewPlatform().NewExecutor(Options{}, func(c *Context) error {
		_, err := c.Global().RegisterVoidMethod("started", func(*Object, *Array) error {
			if started != nil {
				close(started)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return c.ExecuteVoidScript(executorScript, WithName("executor.js"))
	})
	e.Start()
	return e
}

func waitResult(t *testing.T, m *Message) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := m.Wait(ctx)
	if stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("message %s not processed", m.Method)
	}
	return v, err
}

func TestExecutor_Post(t *testing.T) {
	e := newTestExecutor(t, nil)

	v, err := waitResult(t, e.Post("add", 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Fatalf("add = %#v", v)
	}

	v, err = waitResult(t, e.Post("point", 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"x": int64(1), "y": int64(2)}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("point = %#v", v)
	}

	_, err = waitResult(t, e.Post("fail"))
	requireKind(t, err, errors.ErrExecution)
	_, err = waitResult(t, e.Post("missing"))
	requireKind(t, err, errors.ErrRuntime)

	v, err = waitResult(t, e.Post("add", "a", "b"))
	if err != nil || v != "ab" {
		t.Fatalf("executor must keep running after errors: %#v, %v", v, err)
	}

	e.Shutdown()
	if err := e.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !e.HasTerminated() || e.Err() != nil {
		t.Fatalf("HasTerminated = %v, Err = %v", e.HasTerminated(), e.Err())
	}

	_, err = waitResult(t, e.Post("add", 1, 1))
	requireKind(t, err, errors.ErrRuntime)
}

func TestExecutor_Consumer(t *testing.T) {
	e := newTestExecutor(t, nil)
	defer func() {
		e.Shutdown()
		e.Wait()
	}()

	var seen string
	m := NewMessage("point", 3, 4)
	m.Consumer = func(c *Context, result any) error {
		obj, ok := result.(*Object)
		if !ok {
			return stderrors.New("expected an object")
		}
		s, err := c.ExecuteStringScript("JSON.stringify(this.__last = 1)")
		if err != nil {
			return err
		}
		seen = s
		_, err = obj.GetInteger("y")
		return err
	}
	e.PostMessage(m)
	if _, err := waitResult(t, m); err != nil {
		t.Fatal(err)
	}
	if seen != "1" {
		t.Fatalf("consumer did not run with the lock held: %q", seen)
	}

	failing := NewMessage("add", 1, 2)
	failing.Consumer = func(*Context, any) error { return stderrors.New("rejected") }
	e.PostMessage(failing)
	if _, err := waitResult(t, failing); err == nil || err.Error() != "rejected" {
		t.Fatalf("consumer error = %v", err)
	}
}

func TestExecutor_ShutdownDrainsQueue(t *testing.T) {
	e := newTestExecutor(t, nil)
	var msgs []*Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, e.Post("add", i, i))
	}
	e.Shutdown()
	for i, m := range msgs {
		v, err := waitResult(t, m)
		if err != nil || v != 2*i {
			t.Fatalf("message %d = %#v, %v", i, v, err)
		}
	}
	if err := e.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestExecutor_ForceTermination(t *testing.T) {
	started := make(chan struct{})
	e := newTestExecutor(t, started)

	spin := e.Post("spin")
	queued := e.Post("add", 1, 2)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("spin never started")
	}

	e.ForceTermination()
	if !e.IsTerminating() || !e.IsShuttingDown() {
		t.Fatal("termination flags not set")
	}

	_, err := waitResult(t, spin)
	if !stderrors.Is(err, ErrTerminated) {
		t.Fatalf("spin error = %v", err)
	}
	_, err = waitResult(t, queued)
	e2 := requireKind(t, err, errors.ErrRuntime)
	if e2.Message != "executor terminated" {
		t.Fatalf("queued message error = %q", e2.Message)
	}
	if err := e.Wait(); err != nil {
		t.Fatalf("forced termination is not a failure: %v", err)
	}
}

func TestExecutor_SetupFailure(t *testing.T) {
	e := NewPlatform().NewExecutor(Options{}, func(c *Context) error {
		return c.ExecuteVoidScript("function (")
	})
	e.Start()
	m := e.Post("anything")
	err := e.Wait()
	requireKind(t, err, errors.ErrCompilation)
	if _, err := waitResult(t, m); err == nil {
		t.Fatal("queued message must fail when setup fails")
	}
}

package engine

import (
	"strings"
	"testing"

	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/icyseptember2237/jsengine/errors"
)

func TestContext_ExecuteInteger(t *testing.T) {
	_, c := newTestContext(t, Options{})
	n, err := c.ExecuteIntegerScript("1+2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("1+2 = %d", n)
	}
}

func TestContext_CompilationError(t *testing.T) {
	_, c := newTestContext(t, Options{})

	tests := []struct {
		name   string
		source string
		opts   []ScriptOption
		file   string
		line   int
	}{
		{"plain", "1+", nil, "", 1},
		{"named", "var a = 1;\nvar = 2;", []ScriptOption{WithName("conf.js")}, "conf.js", 2},
		{"offset", "1+", []ScriptOption{WithName("page.html"), WithLineOffset(10)}, "page.html", 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ExecuteIntegerScript(tt.source, tt.opts...)
			e := requireKind(t, err, errors.ErrCompilation)
			if e.Line != tt.line {
				t.Fatalf("Line = %d, expected %d", e.Line, tt.line)
			}
			if e.File != tt.file {
				t.Fatalf("File = %q, expected %q", e.File, tt.file)
			}
			if e.SourceLine != "" && e.EndColumn != e.StartColumn+1 {
				t.Fatalf("columns = %d..%d, expected a single column", e.StartColumn, e.EndColumn)
			}
			if !strings.HasPrefix(e.Message, "SyntaxError: ") || len(e.Message) == len("SyntaxError: ") {
				t.Fatalf("Message = %q", e.Message)
			}
		})
	}

	requireKind(t, c.Compile("function ("), errors.ErrCompilation)
	if err := c.Compile("function ok() {}"); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ok, _ := c.Global().Contains("ok"); ok {
		t.Fatal("Compile must not run the script")
	}
}

func TestContext_ExecutionErrorPosition(t *testing.T) {
	_, c := newTestContext(t, Options{})
	err := c.ExecuteVoidScript("var x = 1;\n\nthrow new RangeError('out');", WithName("app.js"), WithLineOffset(4))
	e := requireKind(t, err, errors.ErrExecution)
	if e.File != "app.js" || e.Line != 7 {
		t.Fatalf("position = %s:%d", e.File, e.Line)
	}
	if e.Message != "RangeError: out" {
		t.Fatalf("Message = %q", e.Message)
	}
	if e.SourceLine != "throw new RangeError('out');" {
		t.Fatalf("SourceLine = %q", e.SourceLine)
	}
	if !strings.Contains(e.Stack, "app.js") {
		t.Fatalf("Stack = %q", e.Stack)
	}
}

func TestContext_Require(t *testing.T) {
	sources := map[string]string{
		"lib/math.js": "exports.square = function (n) { return n * n; };",
		"lib/main.js": "var m = require('./math'); module.exports = m.square(9);",
	}
	loader := func(p string) ([]byte, error) {
		s, ok := sources[p]
		if !ok {
			return nil, require.ModuleFileDoesNotExistError
		}
		return []byte(s), nil
	}
	_, c := newTestContext(t, Options{EnableRequire: true, SourceLoader: loader})

	n, err := c.ExecuteIntegerScript("require('./lib/main')")
	if err != nil {
		t.Fatal(err)
	}
	if n != 81 {
		t.Fatalf("require result = %d", n)
	}

	err = c.ExecuteVoidScript("require('./lib/none')")
	requireKind(t, err, errors.ErrExecution)
}

func TestContext_RequireDisabled(t *testing.T) {
	_, c := newTestContext(t, Options{})
	ok, err := c.ExecuteBooleanScript("typeof require === 'undefined'")
	if err != nil || !ok {
		t.Fatalf("require must be absent by default: %v, %v", ok, err)
	}
}

func TestContext_Console(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	_, c := newTestContext(t, Options{Logger: zap.New(core), EnableConsole: true})

	if err := c.ExecuteVoidScript("console.log('hello', 1); console.warn('careful')"); err != nil {
		t.Fatal(err)
	}
	if n := logs.FilterMessage("hello 1").Len(); n != 1 {
		t.Fatalf("console.log entries = %d, all = %v", n, logs.All())
	}
	warns := logs.FilterMessage("careful").All()
	if len(warns) != 1 || warns[0].Level != zapcore.WarnLevel {
		t.Fatalf("console.warn entries = %v", warns)
	}
}

func TestContext_Bind(t *testing.T) {
	type config struct {
		Name  string `json:"name"`
		Limit int    `json:"limit"`
	}
	_, c := newTestContext(t, Options{FieldNameTag: "json"})

	if err := c.Bind("cfg", &config{Name: "svc", Limit: 3}); err != nil {
		t.Fatal(err)
	}
	s, err := c.ExecuteStringScript("cfg.name + ':' + cfg.limit")
	if err != nil {
		t.Fatal(err)
	}
	if s != "svc:3" {
		t.Fatalf("got %q", s)
	}
}

func TestContext_Release(t *testing.T) {
	rt, c := newTestContext(t, Options{})
	other, err := rt.NewContext("")
	if err != nil {
		t.Fatal(err)
	}
	obj, err := other.NewObject()
	if err != nil {
		t.Fatal(err)
	}
	released := false
	other.AddReleaseHandler(func(*Context) { released = true })

	if err := other.Release(); err != nil {
		t.Fatal(err)
	}
	if err := other.Release(); err != nil {
		t.Fatalf("second Release must be a no-op: %v", err)
	}
	if !released || !other.IsReleased() {
		t.Fatal("release handler not run")
	}
	if _, err := other.ExecuteScript("1"); err == nil {
		t.Fatal("released context must refuse scripts")
	}
	if _, err := obj.Get("x"); err == nil {
		t.Fatal("handles of a released context must be invalid")
	}

	if n, err := c.ExecuteIntegerScript("2"); err != nil || n != 2 {
		t.Fatalf("sibling context broken: %d, %v", n, err)
	}
}

package engine

import (
	"os"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/icyseptember2237/jsengine/errors"
)

const (
	TypeEngineJs = "js"
)

// JsEngine implements Engine on a ConcurrentContext.
type JsEngine struct {
	platform *Platform
	opts     Options
	cc       *ConcurrentContext
	ready    bool
}

// NewJsEngine returns an engine that will create its runtime on p with opts
// when New is called. A nil platform means the default platform.
func NewJsEngine(p *Platform, opts Options) *JsEngine {
	return &JsEngine{platform: p, opts: opts}
}

func (e *JsEngine) New() error {
	p := e.platform
	if p == nil {
		p = DefaultPlatform()
	}
	opts := e.opts
	opts.EnableRequire = true
	cc, err := p.NewConcurrentContext(opts, "")
	if err != nil {
		return err
	}
	e.cc = cc
	e.ready = false
	return nil
}

func (e *JsEngine) IsReady() bool {
	return e.ready
}

func (e *JsEngine) SetReady() {
	e.ready = true
}

// Run calls fn with the engine's context while holding its lock.
func (e *JsEngine) Run(fn func(*Context) error) error {
	if e.cc == nil {
		return errors.Runtime("engine not initialized")
	}
	return e.cc.Run(fn)
}

func (e *JsEngine) ParseString(source string) error {
	return e.Run(func(c *Context) error {
		return c.ExecuteVoidScript(source)
	})
}

func (e *JsEngine) ParseFile(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return e.Run(func(c *Context) error {
		return c.ExecuteVoidScript(string(source), WithName(path))
	})
}

func (e *JsEngine) RegisterObject(objectName string, object any) error {
	return e.Run(func(c *Context) error {
		return c.Bind(objectName, object)
	})
}

func (e *JsEngine) RegisterFunction(goFuncName string, goFunc any) error {
	return e.Run(func(c *Context) error {
		_, err := c.Global().RegisterGoFunction(goFuncName, goFunc)
		return err
	})
}

// RegisterModule makes moduleFuncs available through require(moduleName).
func (e *JsEngine) RegisterModule(moduleName string, moduleFuncs map[string]any) error {
	return e.Run(func(c *Context) error {
		callbacks := make(map[string]Callback, len(moduleFuncs))
		for name, fn := range moduleFuncs {
			cb, err := c.reflectCallback(fn)
			if err != nil {
				return err
			}
			callbacks[name] = cb
		}
		c.registry.RegisterNativeModule(moduleName, func(_ *goja.Runtime, module *goja.Object) {
			exports, ok := module.Get("exports").(*goja.Object)
			if !ok {
				return
			}
			h, err := c.newHandle(exports)
			if err != nil {
				panic(c.vm.NewGoError(err))
			}
			obj := &Object{ctx: c, handle: h}
			defer obj.Release()
			for name, cb := range callbacks {
				if _, err := obj.RegisterMethod(name, cb); err != nil {
					panic(c.vm.NewGoError(err))
				}
			}
		})
		c.logger.Debug("module registered", zap.String("module", moduleName), zap.Int("functions", len(callbacks)))
		return nil
	})
}

func (e *JsEngine) IsFunction(scriptFuncName string) bool {
	ok := false
	e.Run(func(c *Context) error {
		t, err := c.Global().Type(scriptFuncName)
		ok = err == nil && t == TypeFunction
		return nil
	})
	return ok
}

// Call invokes a global script function. With retNum greater than one an
// array result is spread over the returned values.
func (e *JsEngine) Call(scriptFuncName string, retNum int, args ...any) ([]any, error) {
	var rets []any
	err := e.Run(func(c *Context) error {
		raw, err := c.Global().ExecuteJSFunction(scriptFuncName, args...)
		if err != nil {
			return err
		}
		if r, ok := raw.(Reference); ok {
			defer r.Release()
		}
		data, err := export(raw)
		if err != nil {
			return err
		}
		rets = spread(data, retNum)
		return nil
	})
	return rets, err
}

func spread(data any, retNum int) []any {
	switch {
	case retNum <= 0:
		return nil
	case retNum == 1:
		return []any{data}
	}
	rets := make([]any, retNum)
	if list, ok := data.([]any); ok {
		copy(rets, list)
	} else {
		rets[0] = data
	}
	return rets
}

func (e *JsEngine) Close() error {
	if e.cc == nil {
		return nil
	}
	err := e.cc.Release(false)
	e.cc = nil
	return err
}

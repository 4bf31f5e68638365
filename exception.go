package engine

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"

	"github.com/icyseptember2237/jsengine/errors"
)

// compilationError converts a parse or compile failure.
func (c *Context) compilationError(err error, source string, o scriptOptions) error {
	message := err.Error()
	var pos file.Position

	var list parser.ErrorList
	var single *parser.Error
	var syntax *goja.CompilerSyntaxError
	switch {
	case stderrors.As(err, &list) && len(list) > 0:
		pos, message = list[0].Position, list[0].Message
	case stderrors.As(err, &single):
		pos, message = single.Position, single.Message
	case stderrors.As(err, &syntax):
		message = syntax.Message
		if syntax.File != nil {
			pos = syntax.File.Position(syntax.Offset)
		}
	}

	name := o.name
	if pos.Filename != "" {
		name = pos.Filename
	}

	b := errors.New(errors.OriginEngine, errors.KindCompilation).
		Message("SyntaxError: %s", message).
		Position(name, pos.Line+o.lineOffset)
	if line, ok := sourceLine(source, pos.Line); ok {
		b.SourceLine(line)
		// goja only reports where the error starts
		if pos.Column > 0 {
			b.Columns(pos.Column-1, pos.Column)
		}
	}
	return b.Build()
}

func sourceLine(source string, line int) (string, bool) {
	if line < 1 {
		return "", false
	}
	lines := strings.Split(source, "\n")
	if line > len(lines) {
		return "", false
	}
	return strings.TrimRight(lines[line-1], "\r"), true
}

// captureError converts the error returned by a script run or call.
func (c *Context) captureError(err error) error {
	var interrupted *goja.InterruptedError
	var overflow *goja.StackOverflowError
	var ex *goja.Exception
	switch {
	case stderrors.As(err, &interrupted):
		cause, _ := interrupted.Value().(error)
		return c.terminatedError(cause, interrupted.Stack())
	case stderrors.As(err, &overflow):
		return c.scriptError("RangeError: Maximum call stack size exceeded", nil, overflow.Stack(), nil)
	case stderrors.As(err, &ex):
		return c.scriptError("", ex.Value(), ex.Stack(), ex.Unwrap())
	}
	return errors.Runtime("%s", err.Error())
}

type terminated struct {
	cause error
}

func (t *terminated) Error() string {
	if t.cause == nil || t.cause == ErrTerminated {
		return ErrTerminated.Error()
	}
	return ErrTerminated.Error() + ": " + t.cause.Error()
}

func (t *terminated) Unwrap() error {
	return t.cause
}

func (t *terminated) Is(target error) bool {
	return target == ErrTerminated
}

// terminatedError builds the execution error of an interrupted script.
// The cause satisfies errors.Is(err, ErrTerminated).
func (c *Context) terminatedError(cause error, frames []goja.StackFrame) error {
	c.rt.pending = nil
	e := c.positioned(errors.New(errors.OriginEngine, errors.KindExecution), frames).
		Message("%s", ErrTerminated.Error()).
		Cause(&terminated{cause: cause}).
		Build()
	c.notify(e)
	return e
}

// scriptError builds an execution error from a thrown script value. The
// wrapped host error comes from the exception itself first, then from the
// error stashed by the callback dispatcher. The stash is cleared either way.
func (c *Context) scriptError(message string, value goja.Value, frames []goja.StackFrame, own error) error {
	cause := own
	if cause == nil {
		cause = c.rt.pending
	}
	c.rt.pending = nil
	if !isHostError(cause) {
		if cause != nil {
			c.logger.Warn("discarding wrapped value that is not an error", zap.String("type", fmt.Sprintf("%T", cause)))
		}
		cause = nil
	}

	text := ""
	if value != nil {
		text = c.describe(value)
		if message == "" {
			message = text
		}
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}
	if message == "" {
		message = "unknown script error"
	}

	b := c.positioned(errors.New(errors.OriginEngine, errors.KindExecution), frames).
		Message("%s", message).
		Value(text).
		Cause(cause)
	if len(frames) > 0 {
		b.Stack(formatStack(frames))
	}
	e := b.Build()
	c.notify(e)
	return e
}

// positioned fills file, line, source line and columns from the innermost
// script frame.
func (c *Context) positioned(b *errors.Builder, frames []goja.StackFrame) *errors.Builder {
	for _, f := range frames {
		pos := f.Position()
		if pos.Line <= 0 {
			continue
		}
		name := f.SrcName()
		info := c.scripts[name]
		b.Position(name, pos.Line+info.lineOffset)
		if line, ok := sourceLine(info.source, pos.Line); ok {
			b.SourceLine(line)
			// single column, as for compilation errors
			if pos.Column > 0 {
				b.Columns(pos.Column-1, pos.Column)
			}
		}
		break
	}
	return b
}

func formatStack(frames []goja.StackFrame) string {
	var buf bytes.Buffer
	for i := range frames {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString("\tat ")
		frames[i].Write(&buf)
	}
	return buf.String()
}

// isHostError rejects nil and typed-nil errors.
func isHostError(err error) bool {
	if err == nil {
		return false
	}
	v := reflect.ValueOf(err)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return !v.IsNil()
	}
	return true
}

// describe returns the textual form of a thrown value without letting a
// throwing toString escape.
func (c *Context) describe(v goja.Value) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = "[object]"
		}
	}()
	return v.String()
}

func (c *Context) notify(e *errors.Error) {
	if c.listener != nil {
		c.listener(e)
	}
}

// guard runs fn, converting script exceptions raised by getters, setters or
// proxies into errors.
func (c *Context) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = c.recovered(r)
		}
	}()
	return fn()
}

func (c *Context) recovered(r any) error {
	switch x := r.(type) {
	case *goja.InterruptedError:
		return c.captureError(x)
	case *goja.Exception:
		return c.captureError(x)
	case goja.Value:
		return c.scriptError("", x, nil, nil)
	case error:
		return errors.Runtime("%s", x.Error())
	}
	return errors.Runtime("%v", r)
}

package errors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Origin tells which side of the boundary raised the error
type Origin string

const (
	OriginEngine Origin = "engine" // script engine: parse errors, script throws
	OriginHost   Origin = "host"   // host: callbacks, protocol misuse
)

// Kind categorizes the error
type Kind string

const (
	KindCompilation     Kind = "compilation"
	KindExecution       Kind = "execution"
	KindResultUndefined Kind = "result_undefined"
	KindRuntime         Kind = "runtime"
	KindUnsupported     Kind = "unsupported"
)

// Sentinel errors, one per kind. Every *Error matches the sentinel of its kind.
var (
	ErrCompilation     = errors.New("compilation error")
	ErrExecution       = errors.New("execution error")
	ErrResultUndefined = errors.New("result undefined")
	ErrRuntime         = errors.New("runtime error")
	ErrUnsupported     = errors.New("unsupported operation")
)

// Error is the envelope used for every failure crossing the boundary,
// in both directions.
type Error struct {
	Cause       error
	Origin      Origin
	Kind        Kind
	Message     string
	File        string
	SourceLine  string
	Stack       string
	Value       string
	Line        int
	StartColumn int
	EndColumn   int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.File != "" || e.Line > 0 {
		b.WriteString(e.File)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(e.Line))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	if e.SourceLine != "" {
		b.WriteByte('\n')
		b.WriteString(e.SourceLine)
		if e.StartColumn >= 0 && e.EndColumn > e.StartColumn {
			b.WriteByte('\n')
			b.WriteString(strings.Repeat(" ", e.StartColumn))
			b.WriteString(strings.Repeat("^", e.EndColumn-e.StartColumn))
		}
	}

	if e.Stack != "" {
		b.WriteByte('\n')
		b.WriteString(e.Stack)
	}

	return b.String()
}

// Unwrap returns the wrapped host error, if any
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel of this kind or an *Error of the same kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return target == sentinel(e.Kind)
}

// Wrapped returns the wrapped host error, or nil
func (e *Error) Wrapped() error {
	return e.Cause
}

func sentinel(k Kind) error {
	switch k {
	case KindCompilation:
		return ErrCompilation
	case KindExecution:
		return ErrExecution
	case KindResultUndefined:
		return ErrResultUndefined
	case KindRuntime:
		return ErrRuntime
	case KindUnsupported:
		return ErrUnsupported
	}
	return nil
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(origin Origin, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Origin:      origin,
			Kind:        kind,
			StartColumn: -1,
			EndColumn:   -1,
		},
	}
}

// Message sets the human-readable message
func (b *Builder) Message(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Message = fmt.Sprintf(msg, args...)
	} else {
		b.err.Message = msg
	}
	return b
}

// Position sets the file and line
func (b *Builder) Position(file string, line int) *Builder {
	b.err.File = file
	b.err.Line = line
	return b
}

// Columns sets the offending column range on the source line. Engine errors
// only know the start column and always pass start+1 as end.
func (b *Builder) Columns(start, end int) *Builder {
	b.err.StartColumn = start
	b.err.EndColumn = end
	return b
}

// SourceLine sets the offending source line
func (b *Builder) SourceLine(line string) *Builder {
	b.err.SourceLine = line
	return b
}

// Stack sets the script stack trace
func (b *Builder) Stack(stack string) *Builder {
	b.err.Stack = stack
	return b
}

// Value sets the textual form of the thrown script value
func (b *Builder) Value(v string) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the wrapped host error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Runtime creates a protocol-misuse error raised by the host side
func Runtime(msg string, args ...any) *Error {
	return New(OriginHost, KindRuntime).Message(msg, args...).Build()
}

// ResultUndefined creates a tag mismatch error for a required primitive accessor
func ResultUndefined(msg string, args ...any) *Error {
	return New(OriginHost, KindResultUndefined).Message(msg, args...).Build()
}

// Unsupported creates an error for a capability missing from this build
func Unsupported(feature string) *Error {
	return New(OriginHost, KindUnsupported).Message("%s is not supported in this build", feature).Build()
}

// KindOf returns the kind of err if it is (or wraps) an *Error
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

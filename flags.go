package engine

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Flags are process-wide engine settings, set through a command-line style
// string such as "--max-call-stack-size=500 --strict".
type Flags struct {
	MaxCallStackSize   int
	Strict             bool
	FieldNameTag       string
	CollectOnLowMemory bool
}

// DefaultFlags returns the flags used when none were set.
func DefaultFlags() Flags {
	return Flags{CollectOnLowMemory: true}
}

// ParseFlags parses a flag string on top of DefaultFlags.
func ParseFlags(s string) (Flags, error) {
	f := DefaultFlags()

	fs := flag.NewFlagSet("engine", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&f.MaxCallStackSize, "max-call-stack-size", f.MaxCallStackSize, "maximum script call stack depth")
	fs.BoolVar(&f.Strict, "strict", f.Strict, "compile all scripts in strict mode")
	fs.StringVar(&f.FieldNameTag, "field-name-tag", f.FieldNameTag, "struct tag used to name Go fields")
	fs.BoolVar(&f.CollectOnLowMemory, "collect-on-low-memory", f.CollectOnLowMemory, "run a collection on low memory notifications")

	if err := fs.Parse(strings.Fields(s)); err != nil {
		return Flags{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if fs.NArg() > 0 {
		return Flags{}, fmt.Errorf("%w: unexpected argument %q", ErrConfiguration, fs.Arg(0))
	}
	if f.MaxCallStackSize < 0 {
		return Flags{}, fmt.Errorf("%w: max-call-stack-size must not be negative", ErrConfiguration)
	}
	return f, nil
}

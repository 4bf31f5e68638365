package engine

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
)

// ErrConfiguration is returned when Options fail validation.
var ErrConfiguration = stderrors.New("invalid configuration")

// Options configures a Runtime and every Context created from it.
// Zero values fall back to the platform flags.
type Options struct {
	// Logger receives runtime diagnostics. Defaults to the package logger.
	Logger *zap.Logger

	// MaxCallStackSize limits script recursion depth. Zero keeps the
	// platform default.
	MaxCallStackSize int

	// StrictMode compiles every script in strict mode.
	StrictMode bool

	// FieldNameTag names the struct tag used to map Go fields to script
	// properties for values bound by reflection, e.g. "json".
	FieldNameTag string

	// EnableRequire exposes a CommonJS require() in every context.
	EnableRequire bool

	// SourceLoader resolves module sources for require(). Requires
	// EnableRequire.
	SourceLoader require.SourceLoader

	// EnableConsole exposes console.log/warn/error, written to Logger.
	EnableConsole bool
}

// Validate checks option consistency.
// Returns ErrConfiguration if any field is invalid.
func (o *Options) Validate() error {
	var problems []string

	if o.MaxCallStackSize < 0 {
		problems = append(problems, "MaxCallStackSize must not be negative")
	}
	if strings.ContainsAny(o.FieldNameTag, " \t\",:") {
		problems = append(problems, fmt.Sprintf("FieldNameTag %q is not a valid struct tag key", o.FieldNameTag))
	}
	if o.SourceLoader != nil && !o.EnableRequire {
		problems = append(problems, "SourceLoader requires EnableRequire")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// applyDefaults fills unset fields from the platform flags.
func (o *Options) applyDefaults(f Flags) {
	if o.Logger == nil {
		o.Logger = Logger()
	}
	if o.MaxCallStackSize == 0 {
		o.MaxCallStackSize = f.MaxCallStackSize
	}
	if !o.StrictMode {
		o.StrictMode = f.Strict
	}
	if o.FieldNameTag == "" {
		o.FieldNameTag = f.FieldNameTag
	}
}

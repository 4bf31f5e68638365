package engine

import "github.com/icyseptember2237/jsengine/errors"

// The node event loop is not part of this build. The hooks exist so callers
// can probe for it and get an UnsupportedOperation error.

// StartNodeJS would run file as the main module of a node instance.
func (rt *Runtime) StartNodeJS(file string) error {
	return errors.Unsupported("node runtime")
}

// PumpMessageLoop would run one turn of the node event loop.
func (rt *Runtime) PumpMessageLoop() (bool, error) {
	return false, errors.Unsupported("node runtime")
}

// IsNodeRunning always reports false.
func (rt *Runtime) IsNodeRunning() bool {
	return false
}

// IsNodeCompatible reports whether this build embeds the node runtime.
func IsNodeCompatible() bool {
	return false
}

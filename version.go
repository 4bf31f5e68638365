package engine

import "runtime/debug"

const enginePath = "github.com/dop251/goja"

// Version returns the version of the embedded script engine module, or
// "devel" when build information is unavailable.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	for _, dep := range info.Deps {
		if dep.Path != enginePath {
			continue
		}
		if dep.Replace != nil {
			dep = dep.Replace
		}
		return dep.Version
	}
	return "devel"
}

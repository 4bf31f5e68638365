package engine

// Engine is a script engine instance driven by name: scripts are loaded,
// host functions registered, and script functions called with Go values.
// Engines are not safe for concurrent use; share them through EnginePool.
type Engine interface {
	New() error

	IsReady() bool
	SetReady()

	ParseString(source string) error
	ParseFile(path string) error

	RegisterObject(objectName string, object any) error
	RegisterFunction(goFuncName string, goFunc any) error
	RegisterModule(moduleName string, moduleFuncs map[string]any) error

	IsFunction(scriptFuncName string) bool
	Call(scriptFuncName string, retNum int, args ...any) ([]any, error)

	Close() error
}

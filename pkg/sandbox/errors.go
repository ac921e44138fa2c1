package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrRuntimeClosed is returned when using a closed package runtime
	ErrRuntimeClosed = errors.New("package runtime is closed")

	// ErrModuleNotFound is raised by require for unresolvable module names
	ErrModuleNotFound = errors.New("module not found")

	// ErrUnsupportedType is returned for Go values that cannot cross into Lua
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrNoMethod is returned when a plugin object lacks the called method
	ErrNoMethod = errors.New("method not defined")

	// ErrWorker is returned when a worker process fails to answer
	ErrWorker = errors.New("sandbox worker failed")

	// ErrUnknownCapability is returned by a worker asked about a capability
	// its process never registered
	ErrUnknownCapability = errors.New("unknown capability")
)

// ModuleError reports a module file that failed to load or inspect
type ModuleError struct {
	Path string
	Err  error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %v", e.Path, e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

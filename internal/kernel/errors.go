package kernel

import (
	"fmt"
	"strings"
)

// DuplicateModuleError reports a registration under a name already taken.
type DuplicateModuleError struct {
	Module string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("module %q is already registered", e.Module)
}

// MissingDependencyError reports a required dependency that was never
// registered. It names both sides so the operator knows which module to
// fix.
type MissingDependencyError struct {
	Module     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("module %q depends on %q, which is not registered", e.Module, e.Dependency)
}

// CircularDependencyError reports a dependency cycle. Path holds the full
// cycle with the starting module repeated at the end.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// ModuleInitializationError reports which module failed to initialize and
// why. Previously initialized modules stay up; cleanup is the caller's
// call.
type ModuleInitializationError struct {
	Module string
	Err    error
}

func (e *ModuleInitializationError) Error() string {
	return fmt.Sprintf("initializing module %q: %v", e.Module, e.Err)
}

func (e *ModuleInitializationError) Unwrap() error { return e.Err }

// ModuleShutdownError reports a failed or timed-out shutdown hook. It is
// logged during teardown, never returned to the caller.
type ModuleShutdownError struct {
	Module string
	Err    error
}

func (e *ModuleShutdownError) Error() string {
	return fmt.Sprintf("shutting down module %q: %v", e.Module, e.Err)
}

func (e *ModuleShutdownError) Unwrap() error { return e.Err }

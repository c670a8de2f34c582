// Package module defines the lifecycle contract between the forged kernel
// and the platform's feature modules (contacts, deals, billing, ...).
//
// A module implements Module and may additionally implement any of the
// capability interfaces below. The kernel discovers capabilities by type
// assertion, so a module that has no HTTP surface simply does not implement
// SurfaceProvider; there are no no-op stubs to write.
package module

import (
	"context"
	"fmt"
	"regexp"
)

// namePattern restricts module names to a safe identifier charset.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Descriptor declares a module's identity and its place in the dependency
// graph. Descriptors are static: the kernel reads them once at registration.
type Descriptor struct {
	// Name uniquely identifies the module. Registering a second module
	// with the same name is rejected.
	Name string

	// Version is informational semver, surfaced via the modules API.
	Version string

	// Dependencies names modules that must be registered and initialized
	// first. A missing hard dependency fails load order resolution.
	Dependencies []string

	// OptionalDeps names modules that are ordered before this one when
	// present. An absent optional dependency is logged, not fatal.
	OptionalDeps []string

	// Optional marks a module whose failing health check does not degrade
	// the aggregate verdict under the "required" health policy.
	Optional bool

	// Description, Owner and Tags are metadata for operators. They have
	// no behavioral effect.
	Description string
	Owner       string
	Tags        []string
}

// Validate checks the descriptor for structural problems.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("module name cannot be empty")
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid module name %q (allowed: alphanumerics, dots, underscores, hyphens)", d.Name)
	}
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return fmt.Errorf("module %q cannot depend on itself", d.Name)
		}
	}
	return nil
}

// Module is the contract every feature unit implements.
type Module interface {
	// Descriptor returns the module's static identity. It must be cheap
	// and must return the same value on every call.
	Descriptor() Descriptor

	// Init prepares the module for serving: open resources, validate
	// app config, subscribe to events. Init runs once, in dependency
	// order, and must not start serving traffic.
	Init(ctx context.Context, mc *Context) error
}

// SurfaceProvider is implemented by modules that expose HTTP routes.
// AttachSurface runs after every module initialized, so handlers may
// reach any dependency.
type SurfaceProvider interface {
	AttachSurface(mc *Context) error
}

// JobProvider is implemented by modules that register background job
// handlers. Like AttachSurface, it runs after the full graph initialized.
type JobProvider interface {
	AttachJobs(mc *Context) error
}

// HealthReporter is implemented by modules that participate in health
// aggregation. A nil return means healthy. Modules without this interface
// count as healthy.
type HealthReporter interface {
	Health(ctx context.Context) error
}

// ShutdownHook is implemented by modules that release resources at
// teardown. Shutdown runs in reverse initialization order and its error
// is logged, never propagated.
type ShutdownHook interface {
	Shutdown(ctx context.Context) error
}

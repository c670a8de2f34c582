// Package kernel orchestrates the module lifecycle: registration,
// dependency resolution, ordered initialization, surface attachment,
// health aggregation and reverse-order teardown.
//
// The kernel is constructed explicitly and driven by the host process;
// there is no package-level singleton. Startup is strictly sequential so
// that a module never observes a half-started dependency, health checks
// fan out concurrently, and shutdown is best effort and exhaustive.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clientforge/forged/internal/config"
	"github.com/clientforge/forged/internal/eventbus"
	"github.com/clientforge/forged/internal/featureflag"
	"github.com/clientforge/forged/internal/jobs"
	"github.com/clientforge/forged/internal/module"
	"github.com/clientforge/forged/internal/store"
)

// Lifecycle event names emitted on the bus.
const (
	EventModuleInitialized = "module.initialized"
	EventModuleInitFailed  = "module.init_failed"
	EventModuleShutdown    = "module.shutdown"
	EventKernelReady       = "kernel.ready"
)

// Deps bundles the shared platform handles the kernel injects into every
// module context. Any handle may be nil; modules that need an absent
// handle fail their own Init.
type Deps struct {
	Store *store.Store
	Jobs  *jobs.Queue
	Bus   *eventbus.Bus
	Flags *featureflag.Evaluator
	Log   *zap.Logger
	Env   string
	App   map[string]any

	// Surface is the parent HTTP route group (usually /api/v1). Each
	// module gets a child group named after it. Nil disables surfaces.
	Surface *echo.Group
}

// Report is the aggregated health verdict.
type Report struct {
	Overall bool            `json:"overall"`
	Modules map[string]bool `json:"modules"`
}

// Kernel drives registered modules through their lifecycle.
type Kernel struct {
	cfg  config.KernelConfig
	deps Deps
	log  *zap.Logger

	mu          sync.RWMutex
	modules     map[string]module.Module
	order       []string // registration order, the tie breaker
	loadOrder   []string // cached resolution, nil when invalid
	contexts    map[string]*module.Context
	initialized map[string]bool
	initOrder   []string // the order InitializeAll actually used
	ready       bool
}

// New creates a kernel with the given configuration and shared handles.
func New(cfg config.KernelConfig, deps Deps) *Kernel {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Kernel{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Log.Named("kernel"),
		modules:     make(map[string]module.Module),
		contexts:    make(map[string]*module.Context),
		initialized: make(map[string]bool),
	}
}

// SetSurface wires the parent HTTP route group modules mount their
// surfaces under. It must be called before InitializeAll; module
// contexts built afterwards will not see it.
func (k *Kernel) SetSurface(g *echo.Group) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.deps.Surface = g
}

// Register adds a module. The name must be unused. Registering a module
// invalidates any previously computed load order.
func (k *Kernel) Register(m module.Module) error {
	desc := m.Descriptor()
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("registering module: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.modules[desc.Name]; exists {
		return &DuplicateModuleError{Module: desc.Name}
	}

	k.modules[desc.Name] = m
	k.order = append(k.order, desc.Name)
	k.loadOrder = nil

	ModulesRegistered.Set(float64(len(k.modules)))
	k.log.Debug("module registered",
		zap.String("module", desc.Name),
		zap.String("version", desc.Version))
	return nil
}

// ResolveLoadOrder computes (or returns the cached) initialization order.
// Every dependency appears strictly before its dependents; modules with
// no ordering constraint keep their registration order.
func (k *Kernel) ResolveLoadOrder() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.loadOrder == nil {
		order, err := k.resolveLocked()
		if err != nil {
			return nil, err
		}
		k.loadOrder = order
	}
	return append([]string(nil), k.loadOrder...), nil
}

// resolveLocked runs a depth-first traversal over the dependency graph.
// Nodes on the current recursion stack form the "visiting" set; meeting
// one again is a cycle and the error carries the full path.
func (k *Kernel) resolveLocked() ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)

	state := make(map[string]int, len(k.modules))
	order := make([]string, 0, len(k.modules))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			for i, on := range stack {
				if on == name {
					path := make([]string, 0, len(stack)-i+1)
					path = append(path, stack[i:]...)
					path = append(path, name)
					return &CircularDependencyError{Path: path}
				}
			}
			// Unreachable: a visiting node is always on the stack.
			return &CircularDependencyError{Path: []string{name, name}}
		}

		state[name] = visiting
		stack = append(stack, name)

		desc := k.modules[name].Descriptor()
		for _, dep := range desc.Dependencies {
			if _, ok := k.modules[dep]; !ok {
				return &MissingDependencyError{Module: name, Dependency: dep}
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		for _, dep := range desc.OptionalDeps {
			if _, ok := k.modules[dep]; !ok {
				k.log.Warn("optional dependency not registered",
					zap.String("module", name),
					zap.String("dependency", dep))
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range k.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// InitializeAll runs every module's Init in load order, one at a time. A
// failure aborts immediately with a ModuleInitializationError naming the
// module; modules initialized before it stay up, and the caller decides
// whether to invoke ShutdownAll.
func (k *Kernel) InitializeAll(ctx context.Context) error {
	order, err := k.ResolveLoadOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		k.mu.RLock()
		mod := k.modules[name]
		k.mu.RUnlock()

		mc := k.contextFor(mod)
		k.log.Info("initializing module", zap.String("module", name))

		start := time.Now()
		err := runHook(ctx, k.cfg.InitTimeout.Duration(), func(ctx context.Context) error {
			return mod.Init(ctx, mc)
		})
		if err != nil {
			k.emit(ctx, EventModuleInitFailed, name)
			return &ModuleInitializationError{Module: name, Err: err}
		}

		k.mu.Lock()
		k.initialized[name] = true
		k.initOrder = append(k.initOrder, name)
		k.mu.Unlock()

		InitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		k.log.Info("module initialized",
			zap.String("module", name),
			zap.Duration("took", time.Since(start)))
		k.emit(ctx, EventModuleInitialized, name)
	}
	return nil
}

// AttachSurfaces invokes AttachSurface and AttachJobs on every module
// that provides them, in load order. It requires a fully initialized
// graph: surfaces become reachable only once every dependency is up, so
// a handler can never race an uninitialized module.
func (k *Kernel) AttachSurfaces(ctx context.Context) error {
	k.mu.RLock()
	order := append([]string(nil), k.initOrder...)
	total := len(k.modules)
	k.mu.RUnlock()

	if len(order) != total {
		return fmt.Errorf("attach requires full initialization: %d of %d modules initialized",
			len(order), total)
	}

	for _, name := range order {
		k.mu.RLock()
		mod := k.modules[name]
		mc := k.contexts[name]
		k.mu.RUnlock()

		if sp, ok := mod.(module.SurfaceProvider); ok {
			if err := sp.AttachSurface(mc); err != nil {
				return fmt.Errorf("attaching surface for module %q: %w", name, err)
			}
			k.log.Debug("surface attached", zap.String("module", name))
		}
		if jp, ok := mod.(module.JobProvider); ok {
			if err := jp.AttachJobs(mc); err != nil {
				return fmt.Errorf("attaching jobs for module %q: %w", name, err)
			}
			k.log.Debug("jobs attached", zap.String("module", name))
		}
	}

	k.mu.Lock()
	k.ready = true
	k.mu.Unlock()

	k.log.Info("all modules attached", zap.Int("modules", len(order)))
	k.emit(ctx, EventKernelReady, len(order))
	return nil
}

// Health runs every initialized module's health check concurrently and
// aggregates the verdict. Modules without a HealthReporter count as
// healthy. Under the "required" policy a failing Optional module is
// reported but does not degrade the overall verdict.
func (k *Kernel) Health(ctx context.Context) Report {
	if t := k.cfg.HealthTimeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	k.mu.RLock()
	names := append([]string(nil), k.initOrder...)
	mods := make(map[string]module.Module, len(names))
	optional := make(map[string]bool, len(names))
	for _, name := range names {
		mods[name] = k.modules[name]
		optional[name] = k.modules[name].Descriptor().Optional
	}
	k.mu.RUnlock()

	results := make(map[string]bool, len(names))
	var mu sync.Mutex
	var g errgroup.Group

	for _, name := range names {
		reporter, ok := mods[name].(module.HealthReporter)
		if !ok {
			mu.Lock()
			results[name] = true
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			err := reporter.Health(ctx)
			if err != nil {
				k.log.Warn("module health check failed",
					zap.String("module", name),
					zap.Error(err))
			}
			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := true
	for name, healthy := range results {
		if healthy {
			ModuleHealthy.WithLabelValues(name).Set(1)
			continue
		}
		ModuleHealthy.WithLabelValues(name).Set(0)
		if k.cfg.HealthPolicy == config.HealthPolicyRequired && optional[name] {
			continue
		}
		overall = false
	}

	if overall {
		HealthChecks.WithLabelValues("healthy").Inc()
	} else {
		HealthChecks.WithLabelValues("unhealthy").Inc()
	}
	return Report{Overall: overall, Modules: results}
}

// ShutdownAll tears down initialized modules in exactly the reverse of
// the order InitializeAll used. Failures and timeouts are logged and
// teardown continues; a module that never initialized is skipped.
func (k *Kernel) ShutdownAll(ctx context.Context) {
	k.mu.Lock()
	order := make([]string, len(k.initOrder))
	for i, name := range k.initOrder {
		order[len(order)-1-i] = name
	}
	k.initOrder = nil
	k.ready = false
	k.mu.Unlock()

	for _, name := range order {
		k.mu.RLock()
		mod := k.modules[name]
		k.mu.RUnlock()

		if hook, ok := mod.(module.ShutdownHook); ok {
			err := runHook(ctx, k.cfg.ShutdownTimeout.Duration(), hook.Shutdown)
			if err != nil {
				k.log.Error("module shutdown failed",
					zap.Error(&ModuleShutdownError{Module: name, Err: err}))
			} else {
				k.log.Info("module shut down", zap.String("module", name))
			}
		}

		k.mu.Lock()
		delete(k.initialized, name)
		k.mu.Unlock()
		k.emit(ctx, EventModuleShutdown, name)
	}
}

// LoadOrder returns the cached load order, or nil when it has not been
// resolved yet.
func (k *Kernel) LoadOrder() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]string(nil), k.loadOrder...)
}

// Modules returns the registered descriptors in registration order.
func (k *Kernel) Modules() []module.Descriptor {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]module.Descriptor, 0, len(k.order))
	for _, name := range k.order {
		out = append(out, k.modules[name].Descriptor())
	}
	return out
}

// Ready reports whether the full startup sequence completed.
func (k *Kernel) Ready() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.ready
}

// contextFor builds (once) the context a module keeps for its lifetime.
func (k *Kernel) contextFor(m module.Module) *module.Context {
	desc := m.Descriptor()

	k.mu.Lock()
	defer k.mu.Unlock()

	if mc, ok := k.contexts[desc.Name]; ok {
		return mc
	}

	var surface *echo.Group
	if k.deps.Surface != nil {
		surface = k.deps.Surface.Group("/" + desc.Name)
	}

	mc := module.NewContext(module.ContextOptions{
		Store:   k.deps.Store,
		Jobs:    k.deps.Jobs,
		Bus:     k.deps.Bus,
		Flags:   k.deps.Flags,
		Log:     k.deps.Log.Named(desc.Name),
		Env:     k.deps.Env,
		App:     k.deps.App,
		Surface: surface,
		Resolve: k.resolveModule,
	})
	k.contexts[desc.Name] = mc
	return mc
}

// resolveModule is the lookup injected into module contexts. Only
// initialized modules are visible, so during startup a module sees
// exactly the dependencies that came up before it.
func (k *Kernel) resolveModule(name string) (module.Module, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	mod, ok := k.modules[name]
	if !ok {
		return nil, fmt.Errorf("module %q is not registered", name)
	}
	if !k.initialized[name] {
		return nil, fmt.Errorf("module %q is not initialized yet", name)
	}
	return mod, nil
}

// emit publishes a lifecycle event when a bus is wired.
func (k *Kernel) emit(ctx context.Context, event string, payload any) {
	if k.deps.Bus != nil {
		k.deps.Bus.Emit(ctx, event, payload)
	}
}

// runHook bounds a lifecycle hook with a timeout. The hook receives the
// derived context and is expected to honor cancellation; on timeout the
// kernel stops waiting and reports ctx.Err().
func runHook(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package module

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/clientforge/forged/internal/eventbus"
	"github.com/clientforge/forged/internal/featureflag"
	"github.com/clientforge/forged/internal/jobs"
	"github.com/clientforge/forged/internal/store"
)

// Context carries the shared platform handles a module receives from the
// kernel. The handles are shared across all modules; the logger, surface
// group and module lookup are scoped to the receiving module.
type Context struct {
	store   *store.Store
	jobs    *jobs.Queue
	bus     *eventbus.Bus
	flags   *featureflag.Evaluator
	log     *zap.Logger
	env     string
	app     map[string]any
	surface *echo.Group
	resolve func(name string) (Module, error)
}

// ContextOptions configures a module context with platform handles.
type ContextOptions struct {
	Store   *store.Store
	Jobs    *jobs.Queue
	Bus     *eventbus.Bus
	Flags   *featureflag.Evaluator
	Log     *zap.Logger
	Env     string
	App     map[string]any
	Surface *echo.Group

	// Resolve looks up another module by name. The kernel restricts
	// lookups to modules that initialized before the owner, so a module
	// can never observe a dependency in an uninitialized state.
	Resolve func(name string) (Module, error)
}

// NewContext creates a module context.
func NewContext(opts ContextOptions) *Context {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		store:   opts.Store,
		jobs:    opts.Jobs,
		bus:     opts.Bus,
		flags:   opts.Flags,
		log:     log,
		env:     opts.Env,
		app:     opts.App,
		surface: opts.Surface,
		resolve: opts.Resolve,
	}
}

// Store returns the shared SQLite store handle.
func (c *Context) Store() *store.Store { return c.store }

// Jobs returns the shared background job queue.
func (c *Context) Jobs() *jobs.Queue { return c.jobs }

// Bus returns the in-process event bus.
func (c *Context) Bus() *eventbus.Bus { return c.bus }

// Flags returns the feature flag evaluator.
func (c *Context) Flags() *featureflag.Evaluator { return c.flags }

// Log returns the module's named logger.
func (c *Context) Log() *zap.Logger { return c.log }

// Env returns the deployment environment name ("development", "production").
func (c *Context) Env() string { return c.env }

// App returns the free-form application configuration map.
func (c *Context) App() map[string]any { return c.app }

// Surface returns the module's HTTP route group, mounted under
// /api/v1/<module name>. Nil when the daemon runs without an HTTP server.
func (c *Context) Surface() *echo.Group { return c.surface }

// Module returns another module by name. Only modules initialized before
// the caller are visible; asking for anything else is an error.
func (c *Context) Module(name string) (Module, error) {
	if c.resolve == nil {
		return nil, fmt.Errorf("module lookup not available in this context")
	}
	return c.resolve(name)
}

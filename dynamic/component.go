package dynamic

import (
	"context"
	"fmt"
	"sync"

	"github.com/traefik/yaegi/interp"
)

// Component wraps a Yaegi-interpreted plugin entry point behind the host's
// plugin lifecycle methods. The entry point is a Go file declaring
// `package extension` with any of:
//
//	func Init(host map[string]any) error
//	func Start(ctx context.Context) error
//	func Stop(ctx context.Context) error
//	func Shutdown(ctx context.Context) error
//
// Missing functions are no-ops. The host map carries the plugin's
// capability closures.
type Component struct {
	mu     sync.RWMutex
	id     string
	source string
	host   map[string]any

	interpreter *interp.Interpreter

	initFunc     func(map[string]any) error
	startFunc    func(context.Context) error
	stopFunc     func(context.Context) error
	shutdownFunc func(context.Context) error
}

func newComponent(id, source string, host map[string]any) *Component {
	return &Component{id: id, source: source, host: host}
}

// ID returns the component's plugin id.
func (c *Component) ID() string { return c.id }

// Source returns the loaded entry-point source.
func (c *Component) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

// Init hands the capability map to the interpreted Init function.
func (c *Component) Init(ctx context.Context) error {
	c.mu.RLock()
	fn := c.initFunc
	c.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return c.safeCall("Init", func() error { return fn(c.host) })
}

// Start runs the interpreted Start function.
func (c *Component) Start(ctx context.Context) error {
	return c.callLifecycle(ctx, "Start", c.startFunc)
}

// Stop runs the interpreted Stop function.
func (c *Component) Stop(ctx context.Context) error {
	return c.callLifecycle(ctx, "Stop", c.stopFunc)
}

// Shutdown runs the interpreted Shutdown function.
func (c *Component) Shutdown(ctx context.Context) error {
	return c.callLifecycle(ctx, "Shutdown", c.shutdownFunc)
}

func (c *Component) callLifecycle(ctx context.Context, name string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return c.safeCall(name, func() error { return fn(ctx) })
}

// safeCall converts a panic in interpreted code into an error so a buggy
// plugin cannot crash the host.
func (c *Component) safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s of plugin %q: %v", name, c.id, r)
		}
	}()
	return fn()
}

// extractFunctions binds the well-known extension symbols from the
// interpreter. Symbols that are absent or have the wrong signature are left
// nil and treated as no-ops.
func (c *Component) extractFunctions(i *interp.Interpreter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interpreter = i

	if v, err := i.Eval("extension.Init"); err == nil {
		if fn, ok := v.Interface().(func(map[string]any) error); ok {
			c.initFunc = fn
		}
	}
	if v, err := i.Eval("extension.Start"); err == nil {
		if fn, ok := v.Interface().(func(context.Context) error); ok {
			c.startFunc = fn
		}
	}
	if v, err := i.Eval("extension.Stop"); err == nil {
		if fn, ok := v.Interface().(func(context.Context) error); ok {
			c.stopFunc = fn
		}
	}
	if v, err := i.Eval("extension.Shutdown"); err == nil {
		if fn, ok := v.Interface().(func(context.Context) error); ok {
			c.shutdownFunc = fn
		}
	}
}

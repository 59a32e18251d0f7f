package plugin

import (
	"context"

	"github.com/opsdeck/opsdeck/capability"
)

// CoreVersion is the host runtime version manifests check against via
// min_core_version.
const CoreVersion = "1.0.0"

// Type distinguishes compiled-in plugins from dynamically loaded ones.
type Type string

const (
	// TypeBuiltin marks a plugin compiled into the host binary. Fully
	// trusted; receives the unrestricted HostAPI.
	TypeBuiltin Type = "builtin"

	// TypeExternal marks a plugin loaded at runtime from a bundle
	// directory. Sandboxed behind the capability facade.
	TypeExternal Type = "external"
)

// Status is a plugin record's lifecycle state.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusDisabled Status = "disabled"
	StatusEnabled  Status = "enabled"
	StatusError    Status = "error"
	StatusUnloaded Status = "unloaded"
)

// Plugin is the lifecycle surface every plugin instance implements. All
// methods receive a context carrying the host's per-call deadline; plugins
// should honor cancellation but the host survives ones that do not.
type Plugin interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// BuiltinPlugin is a compiled-in plugin: its manifest is declared in code
// rather than parsed from a bundle.
type BuiltinPlugin interface {
	Plugin
	Manifest() Manifest
}

// Nop is a Plugin with no-op lifecycle methods. Embed it to implement only
// the phases a plugin cares about.
type Nop struct{}

func (Nop) Init(context.Context) error     { return nil }
func (Nop) Start(context.Context) error    { return nil }
func (Nop) Stop(context.Context) error     { return nil }
func (Nop) Shutdown(context.Context) error { return nil }

// BuiltinFactory constructs a builtin plugin against the unrestricted host
// API. A factory may return nil to opt out (for example when a required
// host facility is absent); nil results are skipped.
type BuiltinFactory func(host *capability.HostAPI) BuiltinPlugin

// builtinFactories is the process-wide registry of compiled-in plugin
// factories, populated from init() in plugin packages.
var builtinFactories []BuiltinFactory

// RegisterBuiltinFactory adds a factory to the builtin registry. Call from
// init() in the package providing the plugin.
func RegisterBuiltinFactory(f BuiltinFactory) {
	builtinFactories = append(builtinFactories, f)
}

// Builtins instantiates every registered builtin factory against host.
func Builtins(host *capability.HostAPI) []BuiltinPlugin {
	var out []BuiltinPlugin
	for _, f := range builtinFactories {
		if p := f(host); p != nil {
			out = append(out, p)
		}
	}
	return out
}

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsdeck/opsdeck/hook"
)

// ContextConfig carries everything needed to build a plugin's capability
// bundle.
type ContextConfig struct {
	PluginID    string
	Permissions []string
	DataDir     string // the plugin's private data directory
	Settings    *SettingsStore
	Bus         *hook.Bus
	Logger      *slog.Logger

	// Outbound HTTP throttle for this plugin. Zero values pick defaults.
	HTTPRate    float64
	HTTPBurst   int
	HTTPTimeout time.Duration
}

// Context is the restricted host API handed to an external plugin at Init.
// Every operation is a closure pre-bound to the plugin's identity, data
// directory, and granted permission set. The bundle is built once per Init;
// changing a plugin's permissions requires a re-Init.
//
// Builtin plugins never see a Context; they receive the unrestricted
// HostAPI instead.
type Context struct {
	pluginID string
	granted  map[Permission]bool
	bus      *hook.Bus

	// Log is scoped with the plugin id so host logs attribute plugin
	// activity correctly.
	Log *slog.Logger

	// Files is non-nil only with the files permission.
	Files *FileAPI

	// Settings is non-nil only with the settings permission.
	Settings *Settings

	// HTTP is non-nil only with the http permission; its transport is
	// rate-limited per plugin.
	HTTP *http.Client

	// Exec is always non-nil; without the exec permission it fails with
	// ErrPermissionDenied.
	Exec ExecFunc
}

// NewContext builds the capability bundle for one external plugin. It
// validates nothing about the permission names: the manifest loader already
// rejected unknown permissions before Load got this far.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.PluginID == "" {
		return nil, fmt.Errorf("capability: plugin id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	granted := make(map[Permission]bool, len(cfg.Permissions))
	for _, p := range cfg.Permissions {
		granted[Permission(p)] = true
	}

	c := &Context{
		pluginID: cfg.PluginID,
		granted:  granted,
		bus:      cfg.Bus,
		Log:      logger.With("plugin", cfg.PluginID),
		Exec:     newExec(cfg.PluginID, granted[PermExec]),
	}

	if granted[PermFiles] {
		files, err := NewFileAPI(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		c.Files = files
	}
	if granted[PermSettings] && cfg.Settings != nil {
		c.Settings = cfg.Settings.Namespace(cfg.PluginID)
	}
	if granted[PermHTTP] {
		c.HTTP = NewRateLimitedClient(cfg.HTTPRate, cfg.HTTPBurst, cfg.HTTPTimeout)
	}
	return c, nil
}

// PluginID returns the owning plugin's id.
func (c *Context) PluginID() string { return c.pluginID }

// Granted reports whether the plugin holds a permission.
func (c *Context) Granted(p Permission) bool { return c.granted[p] }

// Emit publishes an event on the host bus with the plugin as source.
// Requires the events permission. Handler errors are logged, not returned:
// an external plugin has no business inspecting other plugins' failures.
func (c *Context) Emit(ctx context.Context, eventType string, data map[string]any) error {
	if !c.granted[PermEvents] {
		return fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermEvents)
	}
	if c.bus == nil {
		return nil
	}
	for _, err := range c.bus.Emit(ctx, hook.NewEvent(eventType, c.pluginID, data)) {
		c.Log.Warn("hook handler error", "event", eventType, "error", err)
	}
	return nil
}

// On subscribes the plugin to a host event. Subscribing needs no
// permission; the lifecycle manager tears the subscription down with the
// plugin.
func (c *Context) On(eventType string, h hook.Handler) hook.Subscription {
	if c.bus == nil {
		return hook.Subscription{}
	}
	return c.bus.On(eventType, c.pluginID, h)
}

// Symbols flattens the bundle into named closures for interpreted plugin
// code, which cannot link against host types. Operations the plugin lacks a
// permission for are present but fail with ErrPermissionDenied, so
// interpreted code sees a uniform surface.
func (c *Context) Symbols() map[string]any {
	deniedBytes := func(p Permission) func(string) ([]byte, error) {
		return func(string) ([]byte, error) {
			return nil, fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, p)
		}
	}

	sym := map[string]any{
		"pluginID": c.pluginID,
		"log": func(msg string, args ...any) {
			c.Log.Info(msg, args...)
		},
		"emit": func(eventType string, data map[string]any) error {
			return c.Emit(context.Background(), eventType, data)
		},
		"exec": func(name string, args ...string) ([]byte, error) {
			return c.Exec(context.Background(), name, args...)
		},
	}

	if c.Files != nil {
		sym["readFile"] = c.Files.Read
		sym["writeFile"] = func(name string, data []byte) error {
			return c.Files.Write(name, data, 0640)
		}
		sym["removeFile"] = c.Files.Remove
		sym["listFiles"] = c.Files.List
	} else {
		sym["readFile"] = deniedBytes(PermFiles)
		sym["writeFile"] = func(string, []byte) error {
			return fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermFiles)
		}
		sym["removeFile"] = func(string) error {
			return fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermFiles)
		}
		sym["listFiles"] = func(string) ([]string, error) {
			return nil, fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermFiles)
		}
	}

	if c.Settings != nil {
		sym["settingGet"] = c.Settings.Get
		sym["settingSet"] = c.Settings.Set
		sym["settingDelete"] = c.Settings.Delete
	} else {
		sym["settingGet"] = func(string) (string, bool, error) {
			return "", false, fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermSettings)
		}
		sym["settingSet"] = func(string, string) error {
			return fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermSettings)
		}
		sym["settingDelete"] = func(string) error {
			return fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermSettings)
		}
	}

	if c.HTTP != nil {
		sym["httpGet"] = func(url string) (*http.Response, error) {
			return c.HTTP.Get(url)
		}
	} else {
		sym["httpGet"] = func(string) (*http.Response, error) {
			return nil, fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, c.pluginID, PermHTTP)
		}
	}

	return sym
}

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/opsdeck/opsdeck/capability"
	"github.com/opsdeck/opsdeck/dynamic"
	"github.com/opsdeck/opsdeck/hook"
)

// DefaultLifecycleTimeout bounds each call into plugin code. A call that
// exceeds it is abandoned and the record marked Error; interpreted code
// without cooperative cancellation may keep running underneath.
const DefaultLifecycleTimeout = 30 * time.Second

// lifecycleSource names the manager as event source on the bus.
const lifecycleSource = "plugin.lifecycle"

// Manager drives plugin lifecycle transitions: Load, Enable, Disable,
// Unload. It owns the registry exclusively; all record mutation funnels
// through it. Per-plugin operations are mutually exclusive via a per-record
// busy flag; a conflicting concurrent call gets ErrPluginBusy instead of
// blocking. Plugin code always runs outside the registry lock.
type Manager struct {
	reg     *Registry
	host    *capability.HostAPI
	state   *StateStore
	loader  *dynamic.Loader
	metrics *Metrics
	logger  *slog.Logger

	timeout   time.Duration
	httpRate  float64
	httpBurst int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLifecycleTimeout overrides the per-call budget for plugin code.
func WithLifecycleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLoader overrides the external entry-point loader.
func WithLoader(l *dynamic.Loader) ManagerOption {
	return func(m *Manager) { m.loader = l }
}

// WithMetrics attaches lifecycle counters.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHTTPBudget sets the per-plugin outbound HTTP throttle handed to
// external plugins with the http permission.
func WithHTTPBudget(rps float64, burst int) ManagerOption {
	return func(m *Manager) {
		m.httpRate = rps
		m.httpBurst = burst
	}
}

// NewManager creates a Manager over a fresh registry. host supplies the
// bus, settings store, logger, and data directory; state may be backed by a
// nil database when persistence is not wanted.
func NewManager(host *capability.HostAPI, state *StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		reg:     NewRegistry(),
		host:    host,
		state:   state,
		loader:  dynamic.NewLoader(dynamic.NewInterpreterPool()),
		logger:  host.Logger,
		timeout: DefaultLifecycleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the read-only record store.
func (m *Manager) Registry() *Registry { return m.reg }

// List returns all plugin records, sorted by id.
func (m *Manager) List() []Record { return m.reg.List() }

// Get returns one plugin record snapshot.
func (m *Manager) Get(id string) (Record, bool) { return m.reg.Get(id) }

// LoadBuiltins loads compiled-in plugins in dependency order. Builtins may
// depend only on other builtins, so the whole set resolves up front; a
// single Init failure retains that record in Error and continues with the
// rest.
func (m *Manager) LoadBuiltins(plugins []BuiltinPlugin) error {
	sources := make([]Source, 0, len(plugins))
	byID := make(map[string]BuiltinPlugin, len(plugins))
	for _, p := range plugins {
		sources = append(sources, Source{Builtin: p})
	}

	manifests, err := Scan(sources)
	if err != nil {
		return err
	}
	types := make(map[string]Type, len(manifests))
	for i, man := range manifests {
		types[man.ID] = TypeBuiltin
		byID[man.ID] = plugins[i]
	}

	ordered, err := ResolveOrder(manifests, types, m.reg.typeOf)
	if err != nil {
		return err
	}

	for _, man := range ordered {
		if err := m.loadInstance(man, TypeBuiltin, byID[man.ID], ""); err != nil {
			// Init failures retain an Error record; anything else aborts.
			var lcErr *LifecycleError
			if errors.As(err, &lcErr) || errors.Is(err, ErrTimeout) {
				m.logger.Error("builtin plugin failed to initialize", "plugin", man.ID, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// Load loads an external plugin from a bundle directory containing
// plugin.json and an entry-point source file. Manifest or dependency
// problems reject the load synchronously with no registry entry; an Init
// failure retains the record with status Error for operator visibility.
func (m *Manager) Load(path string) error {
	man, err := LoadManifest(filepath.Join(path, ManifestFile))
	if err != nil {
		m.metrics.observe("load", err)
		return err
	}
	if err := m.checkExternalDeps(man); err != nil {
		m.metrics.observe("load", err)
		return err
	}

	capCtx, err := capability.NewContext(capability.ContextConfig{
		PluginID:    man.ID,
		Permissions: man.Permissions,
		DataDir:     filepath.Join(path, "data"),
		Settings:    m.host.Settings,
		Bus:         m.host.Bus,
		Logger:      m.logger,
		HTTPRate:    m.httpRate,
		HTTPBurst:   m.httpBurst,
	})
	if err != nil {
		m.metrics.observe("load", err)
		return fmt.Errorf("build capability context for %q: %w", man.ID, err)
	}

	var instance Plugin = Nop{}
	if man.HasBackend && man.EntryPoint != "" {
		comp, err := m.loader.LoadFile(man.ID, filepath.Join(path, man.EntryPoint), capCtx.Symbols())
		if err != nil {
			m.metrics.observe("load", err)
			return fmt.Errorf("%w: %q: %v", ErrManifestInvalid, man.ID, err)
		}
		instance = comp
	}

	err = m.loadInstance(man, TypeExternal, instance, path)
	m.metrics.observe("load", err)
	return err
}

// checkExternalDeps validates an external manifest's dependencies against
// the live registry: every dependency must be registered, and external
// dependencies must already be Enabled.
func (m *Manager) checkExternalDeps(man Manifest) error {
	for _, dep := range man.Dependencies {
		depType, ok := m.reg.typeOf(dep)
		if !ok {
			return fmt.Errorf("%w: %q requires %q", ErrMissingDependency, man.ID, dep)
		}
		if depType == TypeExternal {
			if status, _ := m.reg.statusOf(dep); status != StatusEnabled {
				return fmt.Errorf("%w: %q requires external plugin %q to be enabled (currently %s)",
					ErrDependencyNotReady, man.ID, dep, status)
			}
		}
	}
	return nil
}

// loadInstance registers a record in Loading state, runs Init outside the
// lock, then settles the record in Disabled or Error. The busy flag is held
// for the whole load so concurrent lifecycle calls see ErrPluginBusy.
func (m *Manager) loadInstance(man Manifest, typ Type, instance Plugin, bundle string) error {
	rec := &record{
		Record: Record{
			Manifest: man,
			Type:     typ,
			Status:   StatusLoading,
		},
		instance: instance,
		bundle:   bundle,
	}
	rec.busy.Store(true)
	defer rec.busy.Store(false)

	if err := m.reg.register(rec); err != nil {
		return err
	}

	if err := m.callPlugin(man.ID, "Init", instance.Init); err != nil {
		// Retain the record for operators instead of silently dropping it.
		m.reg.setStatus(man.ID, StatusError, err.Error())
		if serr := m.state.SetError(man.ID, man.Version, err.Error()); serr != nil {
			m.logger.Warn("persist plugin error state", "plugin", man.ID, "error", serr)
		}
		return err
	}

	m.reg.setStatus(man.ID, StatusDisabled, "")
	m.logger.Info("plugin loaded", "plugin", man.ID, "type", typ, "version", man.Version)
	return nil
}

// Enable transitions a Disabled plugin to Enabled by calling its Start.
// Enabling an Enabled plugin is a no-op. A Start failure leaves the record
// Disabled so the operator can retry; a Start timeout moves it to Error.
func (m *Manager) Enable(id string) error {
	err := m.enable(id)
	m.metrics.observe("enable", err)
	return err
}

func (m *Manager) enable(id string) error {
	rec, ok := m.reg.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !rec.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %q", ErrPluginBusy, id)
	}
	defer rec.busy.Store(false)

	status, _ := m.reg.statusOf(id)
	switch status {
	case StatusEnabled:
		return nil
	case StatusDisabled:
		// proceed
	default:
		return fmt.Errorf("plugin %q cannot be enabled from %s state", id, status)
	}

	if err := m.callPlugin(id, "Start", rec.instance.Start); err != nil {
		if errors.Is(err, ErrTimeout) {
			m.reg.setStatus(id, StatusError, err.Error())
		} else {
			// Recoverable: stay Disabled so Enable can be retried.
			m.reg.setStatus(id, StatusDisabled, err.Error())
		}
		return err
	}

	m.reg.setStatus(id, StatusEnabled, "")
	if err := m.state.SetEnabled(id, true, rec.Manifest.Version); err != nil {
		m.logger.Warn("persist plugin state", "plugin", id, "error", err)
	}
	m.logger.Info("plugin enabled", "plugin", id)
	m.emitLifecycle(hook.EventPluginEnabled, id)
	return nil
}

// Disable transitions an Enabled plugin to Disabled. Stop is best-effort:
// its error (or timeout) is recorded but never blocks the transition, so a
// misbehaving plugin cannot stay stuck Enabled. Disabling a Disabled
// plugin is a no-op.
func (m *Manager) Disable(id string) error {
	err := m.disable(id)
	m.metrics.observe("disable", err)
	return err
}

func (m *Manager) disable(id string) error {
	rec, ok := m.reg.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !rec.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %q", ErrPluginBusy, id)
	}
	defer rec.busy.Store(false)

	status, _ := m.reg.statusOf(id)
	switch status {
	case StatusDisabled:
		return nil
	case StatusEnabled:
		// proceed
	default:
		return fmt.Errorf("plugin %q cannot be disabled from %s state", id, status)
	}

	lastErr := ""
	if err := m.callPlugin(id, "Stop", rec.instance.Stop); err != nil {
		lastErr = err.Error()
		m.logger.Warn("plugin Stop failed, disabling anyway", "plugin", id, "error", err)
	}

	m.reg.setStatus(id, StatusDisabled, lastErr)
	if err := m.state.SetEnabled(id, false, rec.Manifest.Version); err != nil {
		m.logger.Warn("persist plugin state", "plugin", id, "error", err)
	}
	m.logger.Info("plugin disabled", "plugin", id)
	m.emitLifecycle(hook.EventPluginDisabled, id)
	return nil
}

// Unload removes a plugin entirely. The plugin must be Disabled or Error;
// unloading an Enabled plugin fails with ErrPluginStillEnabled. Shutdown is
// best-effort; afterwards the plugin's hook subscriptions, persisted state,
// and registry record are removed, which also drops its routes and menus
// from the aggregated frontend output.
func (m *Manager) Unload(id string) error {
	err := m.unload(id)
	m.metrics.observe("unload", err)
	return err
}

func (m *Manager) unload(id string) error {
	rec, ok := m.reg.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !rec.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %q", ErrPluginBusy, id)
	}
	defer rec.busy.Store(false)

	status, _ := m.reg.statusOf(id)
	if status != StatusDisabled && status != StatusError {
		return fmt.Errorf("%w: %q is %s", ErrPluginStillEnabled, id, status)
	}

	if err := m.callPlugin(id, "Shutdown", rec.instance.Shutdown); err != nil {
		m.logger.Warn("plugin Shutdown failed, unloading anyway", "plugin", id, "error", err)
	}

	if removed := m.host.Bus.OffOwner(id); removed > 0 {
		m.logger.Debug("removed plugin hook subscriptions", "plugin", id, "count", removed)
	}
	if err := m.state.Delete(id); err != nil {
		m.logger.Warn("delete plugin state", "plugin", id, "error", err)
	}
	m.reg.deregister(id)
	m.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

// RestoreState re-enables every plugin recorded as enabled before the last
// shutdown. Failures are logged per plugin and do not stop the rest.
func (m *Manager) RestoreState() error {
	ids, err := m.state.EnabledIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := m.reg.lookup(id); !ok {
			m.logger.Warn("previously enabled plugin no longer present", "plugin", id)
			continue
		}
		if err := m.Enable(id); err != nil {
			m.logger.Warn("restore plugin state", "plugin", id, "error", err)
		}
	}
	return nil
}

// Shutdown disables every enabled plugin without persisting the disabled
// state, so the next start restores them. Used at host shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, rec := range m.reg.List() {
		if rec.Status != StatusEnabled {
			continue
		}
		id := rec.Manifest.ID
		live, ok := m.reg.lookup(id)
		if !ok || !live.busy.CompareAndSwap(false, true) {
			continue
		}
		if err := m.callPlugin(id, "Stop", live.instance.Stop); err != nil {
			m.logger.Warn("plugin Stop at shutdown", "plugin", id, "error", err)
		}
		m.reg.setStatus(id, StatusDisabled, "")
		live.busy.Store(false)
	}
}

// callPlugin runs one plugin lifecycle method outside all locks, bounded by
// the per-call timeout. On timeout the goroutine is abandoned; the spawned
// call may continue running but the host moves on.
func (m *Manager) callPlugin(id, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &LifecycleError{PluginID: id, Op: op, Err: err}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s of %q exceeded %s", ErrTimeout, op, id, m.timeout)
	}
}

// emitLifecycle publishes a lifecycle event after the transition has
// committed, so observers always see consistent registry state.
func (m *Manager) emitLifecycle(eventType, id string) {
	if m.host.Bus == nil {
		return
	}
	errs := m.host.Bus.Emit(context.Background(), hook.NewEvent(eventType, lifecycleSource, map[string]any{
		"plugin": id,
	}))
	m.metrics.hookError(len(errs))
	for _, err := range errs {
		m.logger.Warn("lifecycle event handler error", "event", eventType, "error", err)
	}
}

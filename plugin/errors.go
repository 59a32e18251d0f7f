package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestInvalid marks a manifest missing required fields or
	// declaring a permission outside the whitelist.
	ErrManifestInvalid = errors.New("plugin: invalid manifest")

	// ErrManifestConflict marks a plugin id already seen in the same scan
	// batch or registry.
	ErrManifestConflict = errors.New("plugin: manifest id conflict")

	// ErrCyclicDependency marks a dependency cycle; the message names at
	// least one member of the cycle.
	ErrCyclicDependency = errors.New("plugin: cyclic dependency")

	// ErrMissingDependency marks a declared dependency that is neither in
	// the batch nor already registered.
	ErrMissingDependency = errors.New("plugin: missing dependency")

	// ErrDependencyNotReady marks an external dependency that is registered
	// but not Enabled at Load time.
	ErrDependencyNotReady = errors.New("plugin: dependency not ready")

	// ErrPluginBusy is returned when a lifecycle operation is already in
	// flight for the same plugin id.
	ErrPluginBusy = errors.New("plugin: operation in progress")

	// ErrPluginStillEnabled rejects Unload of an Enabled plugin.
	ErrPluginStillEnabled = errors.New("plugin: still enabled")

	// ErrTimeout marks a lifecycle call that exceeded the host's per-call
	// budget. The record is moved to Error; the underlying call may still
	// be running.
	ErrTimeout = errors.New("plugin: lifecycle call timed out")

	// ErrNotFound marks an unknown plugin id.
	ErrNotFound = errors.New("plugin: not found")
)

// LifecycleError wraps a failure returned by a plugin's own Init, Start,
// Stop, or Shutdown.
type LifecycleError struct {
	PluginID string
	Op       string
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %q: %s failed: %v", e.PluginID, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

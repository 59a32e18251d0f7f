package capability

import (
	"context"
	"fmt"
	"os/exec"
)

// ExecFunc runs a host command and returns its combined output.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// newExec returns the exec closure for a plugin. Without the exec
// permission the closure performs nothing and always reports
// ErrPermissionDenied.
func newExec(pluginID string, granted bool) ExecFunc {
	if !granted {
		return func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, fmt.Errorf("%w: plugin %q lacks the %q permission", ErrPermissionDenied, pluginID, PermExec)
		}
	}
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return out, fmt.Errorf("exec %q: %w", name, err)
		}
		return out, nil
	}
}

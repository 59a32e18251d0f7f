package capability

// Permission names a capability an external plugin may request in its
// manifest. The set is a fixed whitelist: a manifest declaring anything else
// is invalid.
type Permission string

const (
	// PermSettings grants read/write access to the plugin's own settings
	// namespace.
	PermSettings Permission = "settings"

	// PermFiles grants file operations scoped to the plugin's data directory.
	PermFiles Permission = "files"

	// PermHTTP grants outbound HTTP through the host's rate-limited transport.
	PermHTTP Permission = "http"

	// PermExec grants execution of host commands. Granted sparingly; without
	// it the exec closure always fails.
	PermExec Permission = "exec"

	// PermEvents grants publishing events onto the host bus. Subscribing is
	// always allowed.
	PermEvents Permission = "events"
)

var knownPermissions = map[Permission]bool{
	PermSettings: true,
	PermFiles:    true,
	PermHTTP:     true,
	PermExec:     true,
	PermEvents:   true,
}

// KnownPermission reports whether name is in the fixed whitelist.
func KnownPermission(name string) bool {
	return knownPermissions[Permission(name)]
}

// Permissions returns the whitelist in declaration order.
func Permissions() []Permission {
	return []Permission{PermSettings, PermFiles, PermHTTP, PermExec, PermEvents}
}

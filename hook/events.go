package hook

// CatalogVersion identifies the published event catalog revision. Event type
// strings are part of the host's stable contract: types may be added in
// later revisions but existing types are never renamed or removed.
const CatalogVersion = "v1"

// Container lifecycle events, emitted by the docker plugin.
const (
	EventContainerCreated = "container.created"
	EventContainerStarted = "container.started"
	EventContainerStopped = "container.stopped"
	EventContainerRemoved = "container.removed"
)

// Site lifecycle events, emitted by web-hosting plugins.
const (
	EventSiteCreated  = "site.created"
	EventSiteDeployed = "site.deployed"
	EventSiteRemoved  = "site.removed"
)

// User authentication events, emitted by the host auth layer.
const (
	EventUserLogin  = "user.login"
	EventUserLogout = "user.logout"
)

// Backup events.
const (
	EventBackupCompleted = "backup.completed"
	EventBackupFailed    = "backup.failed"
)

// Plugin lifecycle events, emitted by the lifecycle manager after a
// transition has committed.
const (
	EventPluginEnabled  = "plugin.enabled"
	EventPluginDisabled = "plugin.disabled"
)

// EventSystemMetrics carries periodic host resource samples.
const EventSystemMetrics = "system.metrics"

// Catalog returns all published event types in the current catalog revision.
func Catalog() []string {
	return []string{
		EventContainerCreated,
		EventContainerStarted,
		EventContainerStopped,
		EventContainerRemoved,
		EventSiteCreated,
		EventSiteDeployed,
		EventSiteRemoved,
		EventUserLogin,
		EventUserLogout,
		EventBackupCompleted,
		EventBackupFailed,
		EventPluginEnabled,
		EventPluginDisabled,
		EventSystemMetrics,
	}
}

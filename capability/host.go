package capability

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/opsdeck/opsdeck/hook"
)

// HostAPI is the unrestricted host surface handed to builtin plugins.
// Builtin code is reviewed and compiled into the host binary, so it gets
// the real database handle, an unthrottled HTTP client, and the shared bus
// rather than the closure bundle external plugins see.
type HostAPI struct {
	Logger   *slog.Logger
	DB       *sql.DB
	Bus      *hook.Bus
	HTTP     *http.Client
	Settings *SettingsStore
	DataDir  string
}

// NewHostAPI assembles the builtin plugin surface. A nil logger falls back
// to slog.Default(); a nil HTTP client falls back to http.DefaultClient.
func NewHostAPI(logger *slog.Logger, db *sql.DB, bus *hook.Bus, settings *SettingsStore, dataDir string) *HostAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostAPI{
		Logger:   logger,
		DB:       db,
		Bus:      bus,
		HTTP:     http.DefaultClient,
		Settings: settings,
		DataDir:  dataDir,
	}
}

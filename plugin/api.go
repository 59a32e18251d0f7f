package plugin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Info is the JSON representation of a plugin for API responses.
type Info struct {
	Record
	EnabledAt  string `json:"enabled_at,omitempty"`
	DisabledAt string `json:"disabled_at,omitempty"`
}

// APIHandler serves the plugin admin endpoints consumed by the console's
// HTTP layer.
type APIHandler struct {
	manager   *Manager
	frontend  *Frontend
	market    *Market
	installer *Installer
	state     *StateStore
}

// NewAPIHandler creates the handler. market and installer may be nil when
// the host runs without a remote market.
func NewAPIHandler(manager *Manager, frontend *Frontend, market *Market, installer *Installer, state *StateStore) *APIHandler {
	return &APIHandler{
		manager:   manager,
		frontend:  frontend,
		market:    market,
		installer: installer,
		state:     state,
	}
}

// RegisterRoutes mounts the plugin API on mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/plugins", h.handlePlugins)
	mux.HandleFunc("/api/plugins/market", h.handleMarket)
	mux.HandleFunc("/api/plugins/frontend", h.handleFrontend)
	mux.HandleFunc("/api/plugins/", h.handlePluginByID)
}

func (h *APIHandler) handlePlugins(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listPlugins(w)
	case http.MethodPost:
		h.loadPlugin(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *APIHandler) handleMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.market == nil {
		writeError(w, http.StatusNotFound, "no plugin market configured")
		return
	}
	catalog, err := h.market.ScanAvailable(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if h.installer != nil {
		for i := range catalog {
			catalog[i].Installed = h.installer.IsInstalled(catalog[i].Manifest.ID)
		}
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (h *APIHandler) handleFrontend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routes": h.frontend.Routes(),
		"menus":  h.frontend.Menus(),
	})
}

func (h *APIHandler) handlePluginByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/plugins/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "plugin id required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		h.getPlugin(w, id)
	case r.Method == http.MethodDelete && action == "":
		h.respond(w, id, h.manager.Unload(id))
	case r.Method == http.MethodPost && action == "enable":
		h.respond(w, id, h.manager.Enable(id))
	case r.Method == http.MethodPost && action == "disable":
		h.respond(w, id, h.manager.Disable(id))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *APIHandler) listPlugins(w http.ResponseWriter) {
	records := h.manager.List()
	infos := make([]Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, h.info(rec))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *APIHandler) getPlugin(w http.ResponseWriter, id string) {
	rec, ok := h.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, h.info(rec))
}

func (h *APIHandler) loadPlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"path\": \"<bundle dir>\"}")
		return
	}
	if err := h.manager.Load(req.Path); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "loaded"})
}

func (h *APIHandler) respond(w http.ResponseWriter, id string, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plugin": id, "status": "ok"})
}

func (h *APIHandler) info(rec Record) Info {
	info := Info{Record: rec}
	if h.state != nil {
		if ea, da, err := h.state.Timestamps(rec.Manifest.ID); err == nil {
			info.EnabledAt = ea
			info.DisabledAt = da
		}
	}
	return info
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPluginBusy), errors.Is(err, ErrPluginStillEnabled), errors.Is(err, ErrManifestConflict):
		return http.StatusConflict
	case errors.Is(err, ErrManifestInvalid), errors.Is(err, ErrMissingDependency),
		errors.Is(err, ErrDependencyNotReady), errors.Is(err, ErrCyclicDependency):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

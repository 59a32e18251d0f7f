package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/opsdeck/opsdeck/capability"
)

// ManifestFile is the well-known manifest filename inside an external
// plugin bundle directory.
const ManifestFile = "plugin.json"

// Manifest describes a plugin's identity, dependencies, permissions, and UI
// contributions. The id is a globally unique slug and immutable for the
// plugin's lifetime.
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author"`
	Homepage    string `json:"homepage,omitempty"`
	License     string `json:"license,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Category    string `json:"category,omitempty"`

	Tags           []string `json:"tags,omitempty"`
	MinCoreVersion string   `json:"min_core_version,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"` // plugin ids
	Permissions    []string `json:"permissions,omitempty"`

	Menus    []MenuItem      `json:"menus,omitempty"`
	Routes   []FrontendRoute `json:"routes,omitempty"`
	Settings []SettingDef    `json:"settings,omitempty"`

	// External bundles only.
	EntryPoint  string `json:"entry_point,omitempty"`
	HasBackend  bool   `json:"has_backend,omitempty"`
	HasFrontend bool   `json:"has_frontend,omitempty"`
}

// FrontendRoute is a console route contributed by an enabled plugin.
type FrontendRoute struct {
	Path        string   `json:"path"`
	Component   string   `json:"component"`
	Title       string   `json:"title"`
	Permissions []string `json:"permissions,omitempty"`
}

// MenuItem is a console navigation entry contributed by an enabled plugin.
type MenuItem struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Icon     string     `json:"icon,omitempty"`
	Path     string     `json:"path"`
	Order    int        `json:"order"`
	Children []MenuItem `json:"children,omitempty"`
}

// SettingDef declares one entry of a plugin's settings schema, rendered by
// the console's settings form.
type SettingDef struct {
	Key      string `json:"key"`
	Type     string `json:"type"` // string, number, bool, secret
	Title    string `json:"title,omitempty"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

var pluginIDRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

func isValidPluginID(id string) bool {
	if len(id) < 2 {
		return len(id) == 1 && id[0] >= 'a' && id[0] <= 'z'
	}
	return pluginIDRe.MatchString(id)
}

// Validate checks required fields, the id slug format, version syntax,
// the permission whitelist, and the minimum core version.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrManifestInvalid)
	}
	if !isValidPluginID(m.ID) {
		return fmt.Errorf("%w: id %q must be a lowercase alphanumeric slug", ErrManifestInvalid, m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: %q: name is required", ErrManifestInvalid, m.ID)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: %q: version is required", ErrManifestInvalid, m.ID)
	}
	if _, err := ParseSemver(m.Version); err != nil {
		return fmt.Errorf("%w: %q: invalid version: %v", ErrManifestInvalid, m.ID, err)
	}
	if m.Author == "" {
		return fmt.Errorf("%w: %q: author is required", ErrManifestInvalid, m.ID)
	}
	for _, perm := range m.Permissions {
		if !capability.KnownPermission(perm) {
			return fmt.Errorf("%w: %q: unknown permission %q", ErrManifestInvalid, m.ID, perm)
		}
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return fmt.Errorf("%w: %q: depends on itself", ErrManifestInvalid, m.ID)
		}
	}
	if m.MinCoreVersion != "" {
		min, err := ParseSemver(m.MinCoreVersion)
		if err != nil {
			return fmt.Errorf("%w: %q: invalid min_core_version: %v", ErrManifestInvalid, m.ID, err)
		}
		core, _ := ParseSemver(CoreVersion)
		if core.Compare(min) < 0 {
			return fmt.Errorf("%w: %q requires core >= %s, host is %s", ErrManifestInvalid, m.ID, m.MinCoreVersion, CoreVersion)
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the registry.
func (m Manifest) Clone() Manifest {
	c := m
	c.Tags = append([]string(nil), m.Tags...)
	c.Dependencies = append([]string(nil), m.Dependencies...)
	c.Permissions = append([]string(nil), m.Permissions...)
	c.Routes = append([]FrontendRoute(nil), m.Routes...)
	for i, r := range c.Routes {
		c.Routes[i].Permissions = append([]string(nil), r.Permissions...)
	}
	c.Settings = append([]SettingDef(nil), m.Settings...)
	c.Menus = cloneMenus(m.Menus)
	return c
}

func cloneMenus(items []MenuItem) []MenuItem {
	if items == nil {
		return nil
	}
	out := make([]MenuItem, len(items))
	for i, item := range items {
		out[i] = item
		out[i].Children = cloneMenus(item.Children)
	}
	return out
}

// LoadManifest reads and validates a manifest from a JSON document.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: parse %s: %v", ErrManifestInvalid, path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// SaveManifest writes a manifest as an indented JSON document.
func SaveManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Source names one place a manifest can come from: a compiled-in plugin or
// an external bundle directory containing plugin.json. Exactly one field is
// set.
type Source struct {
	Builtin BuiltinPlugin
	Path    string
}

// Scan loads and validates manifests from all sources, rejecting duplicate
// ids within the batch with ErrManifestConflict. Order is preserved.
func Scan(sources []Source) ([]Manifest, error) {
	seen := make(map[string]bool, len(sources))
	out := make([]Manifest, 0, len(sources))
	for _, src := range sources {
		var (
			m   Manifest
			err error
		)
		switch {
		case src.Builtin != nil:
			m = src.Builtin.Manifest()
			err = m.Validate()
		case src.Path != "":
			m, err = LoadManifest(filepath.Join(src.Path, ManifestFile))
		default:
			return nil, fmt.Errorf("%w: empty source", ErrManifestInvalid)
		}
		if err != nil {
			return nil, err
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("%w: id %q declared twice in scan", ErrManifestConflict, m.ID)
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, nil
}

// ScanDir scans a directory of external plugin bundles (one subdirectory
// per plugin, each with a plugin.json) and returns their manifests plus the
// bundle path per id. Subdirectories without a manifest are skipped.
func ScanDir(dir string) ([]Manifest, map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scan directory %s: %w", dir, err)
	}

	var sources []Source
	paths := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bundle := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(bundle, ManifestFile)); os.IsNotExist(err) {
			continue
		}
		sources = append(sources, Source{Path: bundle})
	}

	manifests, err := Scan(sources)
	if err != nil {
		return nil, nil, err
	}
	for i, m := range manifests {
		paths[m.ID] = sources[i].Path
	}
	return manifests, paths, nil
}

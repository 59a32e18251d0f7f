package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManifestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Manifest { return testManifest("docker-monitor") }

	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr bool
		substr  string
	}{
		{name: "valid", mutate: func(*Manifest) {}},
		{name: "missing id", mutate: func(m *Manifest) { m.ID = "" }, wantErr: true, substr: "id is required"},
		{name: "uppercase id", mutate: func(m *Manifest) { m.ID = "DockerMonitor" }, wantErr: true, substr: "slug"},
		{name: "id with slash", mutate: func(m *Manifest) { m.ID = "a/b" }, wantErr: true, substr: "slug"},
		{name: "missing name", mutate: func(m *Manifest) { m.Name = "" }, wantErr: true, substr: "name is required"},
		{name: "missing version", mutate: func(m *Manifest) { m.Version = "" }, wantErr: true, substr: "version is required"},
		{name: "bad version", mutate: func(m *Manifest) { m.Version = "1.2" }, wantErr: true, substr: "invalid version"},
		{name: "missing author", mutate: func(m *Manifest) { m.Author = "" }, wantErr: true, substr: "author is required"},
		{name: "unknown permission", mutate: func(m *Manifest) { m.Permissions = []string{"root"} }, wantErr: true, substr: "unknown permission"},
		{name: "known permissions", mutate: func(m *Manifest) { m.Permissions = []string{"settings", "files", "http", "exec", "events"} }},
		{name: "self dependency", mutate: func(m *Manifest) { m.Dependencies = []string{"docker-monitor"} }, wantErr: true, substr: "depends on itself"},
		{name: "core too old", mutate: func(m *Manifest) { m.MinCoreVersion = "99.0.0" }, wantErr: true, substr: "requires core"},
		{name: "core new enough", mutate: func(m *Manifest) { m.MinCoreVersion = "0.1.0" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(&m)
			err := m.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrManifestInvalid) {
				t.Fatalf("Validate() = %v, want ErrManifestInvalid", err)
			}
			if tt.substr != "" && !strings.Contains(err.Error(), tt.substr) {
				t.Fatalf("Validate() = %q, want substring %q", err, tt.substr)
			}
		})
	}
}

func TestManifestClone(t *testing.T) {
	t.Parallel()
	m := testManifest("original", "dep-a")
	m.Permissions = []string{"files"}
	m.Menus = []MenuItem{{ID: "top", Title: "Top", Children: []MenuItem{{ID: "sub", Title: "Sub"}}}}
	m.Routes = []FrontendRoute{{Path: "/x", Component: "X", Permissions: []string{"admin"}}}

	c := m.Clone()
	c.Dependencies[0] = "mutated"
	c.Permissions[0] = "mutated"
	c.Menus[0].Children[0].Title = "mutated"
	c.Routes[0].Permissions[0] = "mutated"

	if m.Dependencies[0] != "dep-a" || m.Permissions[0] != "files" {
		t.Fatal("Clone shares top-level slices with the original")
	}
	if m.Menus[0].Children[0].Title != "Sub" {
		t.Fatal("Clone shares nested menu children with the original")
	}
	if m.Routes[0].Permissions[0] != "admin" {
		t.Fatal("Clone shares route permissions with the original")
	}
}

func TestSaveAndLoadManifest(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ManifestFile)
	m := testManifest("round-trip")
	m.Permissions = []string{"events"}
	m.Tags = []string{"monitoring"}

	if err := SaveManifest(path, m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	got, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got.ID != m.ID || got.Version != m.Version || len(got.Permissions) != 1 {
		t.Fatalf("LoadManifest = %+v", got)
	}
}

func TestLoadManifestBadJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ManifestFile)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadManifest(path); !errors.Is(err, ErrManifestInvalid) {
		t.Fatalf("LoadManifest = %v, want ErrManifestInvalid", err)
	}
}

func TestScanRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	a := &stubPlugin{man: testManifest("twin")}
	b := &stubPlugin{man: testManifest("twin")}

	_, err := Scan([]Source{{Builtin: a}, {Builtin: b}})
	if !errors.Is(err, ErrManifestConflict) {
		t.Fatalf("Scan = %v, want ErrManifestConflict", err)
	}
}

func TestScanInvalidManifestProducesNoBatch(t *testing.T) {
	t.Parallel()
	bad := &stubPlugin{man: Manifest{Name: "anonymous"}}
	good := &stubPlugin{man: testManifest("fine")}

	manifests, err := Scan([]Source{{Builtin: good}, {Builtin: bad}})
	if !errors.Is(err, ErrManifestInvalid) {
		t.Fatalf("Scan = %v, want ErrManifestInvalid", err)
	}
	if manifests != nil {
		t.Fatalf("Scan returned a partial batch: %v", manifests)
	}
}

func TestScanDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, testManifest("one"), "")
	writeBundle(t, dir, testManifest("two"), "")

	// Non-bundle noise in the plugin dir gets skipped.
	if err := os.MkdirAll(filepath.Join(dir, "incomplete"), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	manifests, paths, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("ScanDir found %d manifests, want 2", len(manifests))
	}
	for _, m := range manifests {
		if paths[m.ID] == "" {
			t.Fatalf("no bundle path recorded for %q", m.ID)
		}
	}
}

func TestParseSemver(t *testing.T) {
	t.Parallel()
	if v, err := ParseSemver("v2.10.3"); err != nil || v != (Semver{2, 10, 3}) {
		t.Fatalf("ParseSemver(v2.10.3) = %v, %v", v, err)
	}
	for _, bad := range []string{"", "1", "1.2", "1.2.x", "a.b.c"} {
		if _, err := ParseSemver(bad); err == nil {
			t.Fatalf("ParseSemver(%q) succeeded", bad)
		}
	}
	if (Semver{1, 2, 3}).Compare(Semver{1, 10, 0}) != -1 {
		t.Fatal("1.2.3 should sort before 1.10.0")
	}
	if (Semver{2, 0, 0}).Compare(Semver{1, 99, 99}) != 1 {
		t.Fatal("2.0.0 should sort after 1.99.99")
	}
}

package capability

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileAPI provides file operations confined to a single root directory.
// Every path argument is resolved relative to the root; any path that
// escapes it (via "..", absolute paths, or symlink-free lexical tricks)
// fails with ErrAccessDenied.
type FileAPI struct {
	root string
}

// NewFileAPI creates a FileAPI rooted at dir, creating the directory if
// needed.
func NewFileAPI(dir string) (*FileAPI, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileAPI{root: abs}, nil
}

// Root returns the absolute data directory this API is scoped to.
func (f *FileAPI) Root() string { return f.root }

// resolve maps a plugin-supplied path into the data directory, rejecting
// anything that lands outside it.
func (f *FileAPI) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %q", ErrAccessDenied, name)
	}
	target := filepath.Join(f.root, filepath.Clean(name))
	if target != f.root && !strings.HasPrefix(target, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path %q escapes plugin data directory", ErrAccessDenied, name)
	}
	return target, nil
}

// Read returns the contents of a file inside the data directory.
func (f *FileAPI) Read(name string) ([]byte, error) {
	target, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

// Write writes a file inside the data directory, creating parent
// directories as needed.
func (f *FileAPI) Write(name string, data []byte, perm fs.FileMode) error {
	target, err := f.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(target, data, perm)
}

// Remove deletes a file or empty directory inside the data directory.
func (f *FileAPI) Remove(name string) error {
	target, err := f.resolve(name)
	if err != nil {
		return err
	}
	if target == f.root {
		return fmt.Errorf("%w: cannot remove data directory root", ErrAccessDenied)
	}
	return os.Remove(target)
}

// List returns the names of entries in a directory inside the data
// directory.
func (f *FileAPI) List(dir string) ([]string, error) {
	target, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Stat reports whether a file exists inside the data directory.
func (f *FileAPI) Stat(name string) (fs.FileInfo, error) {
	target, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(target)
}

package dynamic

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"strings"
)

// Loader turns external plugin entry-point source into runnable Components.
type Loader struct {
	pool *InterpreterPool
}

// NewLoader creates a Loader backed by the given interpreter pool.
func NewLoader(pool *InterpreterPool) *Loader {
	return &Loader{pool: pool}
}

// ValidateSource syntax-checks entry-point source and rejects imports
// outside the allow-list.
func (l *Loader) ValidateSource(source string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "extension.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	if f.Name.Name != "extension" {
		return fmt.Errorf("entry point must declare package extension, got %q", f.Name.Name)
	}
	for _, imp := range f.Imports {
		pkg := strings.Trim(imp.Path.Value, `"`)
		if !l.pool.Allowed(pkg) {
			return fmt.Errorf("import %q is not allowed in plugin code", pkg)
		}
	}
	return nil
}

// LoadSource validates and interprets entry-point source, binding the host
// capability map into the resulting component.
func (l *Loader) LoadSource(id, source string, host map[string]any) (*Component, error) {
	if err := l.ValidateSource(source); err != nil {
		return nil, fmt.Errorf("validate %s: %w", id, err)
	}

	i, err := l.pool.NewInterpreter()
	if err != nil {
		return nil, fmt.Errorf("create interpreter: %w", err)
	}
	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", id, err)
	}

	comp := newComponent(id, source, host)
	comp.extractFunctions(i)
	return comp, nil
}

// LoadFile reads an entry-point file and loads it as a component.
func (l *Loader) LoadFile(id, path string, host map[string]any) (*Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entry point %s: %w", path, err)
	}
	return l.LoadSource(id, string(data), host)
}

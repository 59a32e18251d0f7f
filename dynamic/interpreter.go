package dynamic

import (
	"fmt"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Option configures an InterpreterPool.
type Option func(*InterpreterPool)

// WithAllowedPackages overrides the default import allow-list.
func WithAllowedPackages(pkgs map[string]bool) Option {
	return func(p *InterpreterPool) {
		p.allowedPackages = pkgs
	}
}

// WithGoPath sets the GOPATH for interpreters.
func WithGoPath(path string) Option {
	return func(p *InterpreterPool) {
		p.goPath = path
	}
}

// InterpreterPool hands out sandboxed Yaegi interpreters, one per external
// plugin entry point.
type InterpreterPool struct {
	mu              sync.Mutex
	allowedPackages map[string]bool
	goPath          string
}

// NewInterpreterPool creates a pool with optional configuration.
func NewInterpreterPool(opts ...Option) *InterpreterPool {
	p := &InterpreterPool{
		allowedPackages: AllowedPackages,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allowed reports whether pkg is importable under this pool's configuration.
func (p *InterpreterPool) Allowed(pkg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if BlockedPackages[pkg] {
		return false
	}
	return p.allowedPackages[pkg]
}

// NewInterpreter creates a fresh interpreter with the standard library
// loaded. Import restriction is enforced earlier by ValidateSource, not at
// the interpreter level; stdlib symbols are loaded so allowed packages
// resolve.
func (p *InterpreterPool) NewInterpreter() (*interp.Interpreter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := interp.Options{}
	if p.goPath != "" {
		opts.GoPath = p.goPath
	}

	i := interp.New(opts)
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	return i, nil
}

package dynamic

// AllowedPackages lists the standard library packages external plugin code
// may import. Everything else is rejected at source-validation time.
// Filesystem, network, and process access are deliberately absent: plugins
// reach those through the capability closures in their host map, where
// scoping and rate limits apply.
var AllowedPackages = map[string]bool{
	"fmt":             true,
	"strings":         true,
	"strconv":         true,
	"encoding/json":   true,
	"encoding/csv":    true,
	"encoding/base64": true,
	"context":         true,
	"time":            true,
	"math":            true,
	"math/rand":       true,
	"sort":            true,
	"sync":            true,
	"sync/atomic":     true,
	"errors":          true,
	"bytes":           true,
	"bufio":           true,
	"unicode":         true,
	"unicode/utf8":    true,
	"regexp":          true,
	"path":            true,
	"net/url":         true,
	"maps":            true,
	"slices":          true,
	"crypto/sha256":   true,
	"crypto/hmac":     true,
	"hash":            true,
}

// BlockedPackages are rejected even in dev mode.
var BlockedPackages = map[string]bool{
	"os":            true,
	"os/exec":       true,
	"io/fs":         true,
	"path/filepath": true,
	"net":           true,
	"net/http":      true,
	"syscall":       true,
	"unsafe":        true,
	"plugin":        true,
	"reflect":       true,
	"runtime/debug": true,
	"crypto/tls":    true,
}

// IsPackageAllowed reports whether external plugin code may import pkg.
func IsPackageAllowed(pkg string) bool {
	if BlockedPackages[pkg] {
		return false
	}
	return AllowedPackages[pkg]
}

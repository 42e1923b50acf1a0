package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m4xw311/qtspy/errors"
)

// maxSocketPath is the usable length of sun_path on Linux.
const maxSocketPath = 107

// SanitizeName replaces every character outside [A-Za-z0-9_] with '_' and
// collapses runs of '_'.
func SanitizeName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EndpointName returns qt_spy_<sanitized app>_<pid>, or qt_spy_<pid> when the
// sanitized name is empty.
func EndpointName(appName string, pid int) string {
	if s := SanitizeName(appName); s != "" {
		return fmt.Sprintf("%s%s_%d", EndpointPrefix, s, pid)
	}
	return EndpointPrefix + strconv.Itoa(pid)
}

// ProcessName reads /proc/<pid>/comm, returning "" when unavailable.
func ProcessName(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// DefaultEndpointDir is where agents listen unless configured otherwise.
func DefaultEndpointDir() string { return os.TempDir() }

// SocketPath resolves an endpoint name to a filesystem socket path. Names
// containing a separator are taken as paths. Empty names and paths that do
// not fit in a socket address are rejected as invalid names.
func SocketPath(dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &errors.ConnectionError{Kind: errors.ConnInvalidName, Endpoint: name, Err: errors.New("invalid name: empty endpoint")}
	}
	path := name
	if !strings.ContainsRune(name, filepath.Separator) {
		if dir == "" {
			dir = DefaultEndpointDir()
		}
		path = filepath.Join(dir, name)
	}
	if len(path) > maxSocketPath {
		return "", &errors.ConnectionError{Kind: errors.ConnInvalidName, Endpoint: name, Err: errors.New("invalid name: socket path %q too long", path)}
	}
	return path, nil
}

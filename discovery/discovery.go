// Package discovery finds running processes that load the Qt toolkit and
// derives the agent endpoint names a client should try for them.
package discovery

import (
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/prometheus/procfs"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/protocol"
)

// toolkitSignatures are the library name fragments whose presence in a
// process's mappings marks it as a Qt application.
var toolkitSignatures = []string{
	"libqt5", "libqt6",
	"qt5core", "qt6core",
	"qt5gui", "qt6gui",
	"qt5widgets", "qt6widgets",
	"qt5quick", "qt6quick",
	"qt5qml", "qt6qml",
	"qt5pdf", "qt6pdf",
}

// HasToolkit reports whether any mapping is backed by a Qt library.
func HasToolkit(maps []*procfs.ProcMap) bool {
	for _, m := range maps {
		if m.Pathname == "" {
			continue
		}
		name := strings.ToLower(m.Pathname)
		for _, sig := range toolkitSignatures {
			if strings.Contains(name, sig) {
				return true
			}
		}
	}
	return false
}

// Process describes one Qt process.
type Process struct {
	Pid int
	// Name is the base name of argv[0] without extension.
	Name        string
	Comm        string
	CommandLine string
	AgentActive bool
}

// DisplayName is the label used in process lists.
func (p Process) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Comm
}

// Scanner reads process information from a procfs tree.
type Scanner struct {
	// ProcRoot defaults to /proc.
	ProcRoot string
	// EndpointDir is where agent sockets live.
	EndpointDir string
	// DialTimeout bounds the liveness dial for existing agents.
	DialTimeout time.Duration
}

// NewScanner returns a scanner over /proc for endpoints in dir.
func NewScanner(dir string) *Scanner {
	if dir == "" {
		dir = protocol.DefaultEndpointDir()
	}
	return &Scanner{ProcRoot: procfs.DefaultMountPoint, EndpointDir: dir, DialTimeout: 100 * time.Millisecond}
}

func (s *Scanner) fs() (procfs.FS, error) {
	fs, err := procfs.NewFS(s.ProcRoot)
	if err != nil {
		return procfs.FS{}, errors.Wrapf(err, "failed to open procfs at %s", s.ProcRoot)
	}
	return fs, nil
}

// List returns every readable process that maps a Qt library, most recent
// (highest pid) first. Processes that vanish or deny access are skipped.
func (s *Scanner) List() ([]Process, error) {
	fs, err := s.fs()
	if err != nil {
		return nil, err
	}
	all, err := fs.AllProcs()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", s.ProcRoot)
	}
	var procs []Process
	for _, proc := range all {
		if proc.PID <= 0 {
			continue
		}
		if p, ok := s.inspect(proc); ok {
			procs = append(procs, p)
		}
	}
	slices.SortFunc(procs, func(a, b Process) int { return b.Pid - a.Pid })
	return procs, nil
}

// Inspect reads one process. It reports false when the process does not map
// a Qt library or cannot be read.
func (s *Scanner) Inspect(pid int) (Process, bool) {
	fs, err := s.fs()
	if err != nil {
		return Process{}, false
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return Process{}, false
	}
	return s.inspect(proc)
}

func (s *Scanner) inspect(proc procfs.Proc) (Process, bool) {
	maps, err := proc.ProcMaps()
	if err != nil || !HasToolkit(maps) {
		return Process{}, false
	}
	p := Process{Pid: proc.PID}
	if comm, err := proc.Comm(); err == nil {
		p.Comm = comm
	}
	if args, err := proc.CmdLine(); err == nil && len(args) > 0 {
		p.CommandLine = strings.Join(args, " ")
		if args[0] != "" {
			base := filepath.Base(args[0])
			p.Name = strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	if p.Name == "" {
		p.Name = p.Comm
	}
	p.AgentActive = s.AgentActive(p.Pid, p.Comm)
	return p, true
}

// Comm returns the kernel command name of pid, or "".
func (s *Scanner) Comm(pid int) string {
	fs, err := s.fs()
	if err != nil {
		return ""
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return ""
	}
	comm, err := proc.Comm()
	if err != nil {
		return ""
	}
	return comm
}

// AgentActive reports whether an agent already accepts connections for pid.
func (s *Scanner) AgentActive(pid int, comm string) bool {
	for _, name := range []string{protocol.EndpointName(comm, pid), protocol.EndpointName("", pid)} {
		path, err := protocol.SocketPath(s.EndpointDir, name)
		if err != nil {
			continue
		}
		c, err := net.DialTimeout("unix", path, s.DialTimeout)
		if err == nil {
			c.Close()
			return true
		}
	}
	return false
}

// Candidates returns the endpoint names to try for pid in preference order:
// sockets already present in dir for that pid, then the name derived from
// comm, then the numeric fallback.
func Candidates(dir string, pid int, comm string) []string {
	if dir == "" {
		dir = protocol.DefaultEndpointDir()
	}
	var out []string
	add := func(name string) {
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}

	pattern := protocol.EndpointPrefix + "*_" + strconv.Itoa(pid)
	if existing, err := doublestar.Glob(os.DirFS(dir), pattern); err == nil {
		slices.Sort(existing)
		for _, name := range existing {
			add(name)
		}
	}
	add(protocol.EndpointName(comm, pid))
	add(protocol.EndpointPrefix + strconv.Itoa(pid))
	return out
}

// FindByName picks the process whose name matches. An exact case-insensitive
// match wins, then a glob match, then a substring match.
func FindByName(procs []Process, name string) (Process, bool) {
	lname := strings.ToLower(name)
	for _, p := range procs {
		if strings.EqualFold(p.Name, name) || strings.EqualFold(p.Comm, name) {
			return p, true
		}
	}
	if doublestar.ValidatePattern(lname) {
		for _, p := range procs {
			if ok, _ := doublestar.Match(lname, strings.ToLower(p.Name)); ok {
				return p, true
			}
		}
	}
	for _, p := range procs {
		if strings.Contains(strings.ToLower(p.Name), lname) {
			return p, true
		}
	}
	return Process{}, false
}

// FindByTitle matches title against the process command line, where Qt
// applications receive -title and window-naming arguments. Window titles
// themselves are not visible through procfs.
func FindByTitle(procs []Process, title string) (Process, bool) {
	lt := strings.ToLower(title)
	for _, p := range procs {
		if strings.Contains(strings.ToLower(p.CommandLine), lt) {
			return p, true
		}
	}
	return Process{}, false
}

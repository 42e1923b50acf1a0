package inject

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/m4xw311/qtspy/errors"
)

// runtimeLibrary matches basenames of libraries that export a dynamic-loader
// entry point.
var runtimeLibrary = regexp.MustCompile(`^(libc\.so(\.\d+)*|libc-[\d.]+\.so|libdl\.so(\.\d+)*|libdl-[\d.]+\.so)$`)

// LooksLikeRuntime reports whether a library basename is a C runtime or
// dynamic-loader library.
func LooksLikeRuntime(name string) bool {
	return runtimeLibrary.MatchString(name)
}

// Match is the remote mapping chosen for a local library.
type Match struct {
	Path string
	Base uint64
	// By names the rule that matched: "path", "canonical", "link", "basename"
	// or "heuristic".
	By string
}

// MatchLibrary finds the mapping of local in a remote process's maps. The
// candidates are tried in order: the local path as given, its canonical path,
// its symlink target, then its bare filename. As a last resort any mapped
// library that looks like the C runtime is accepted.
func MatchLibrary(maps []*procfs.ProcMap, local string) (Match, error) {
	type candidate struct {
		key, by string
	}
	var candidates []candidate
	if local != "" {
		candidates = append(candidates, candidate{local, "path"})
		if canon, err := filepath.EvalSymlinks(local); err == nil && canon != local {
			candidates = append(candidates, candidate{canon, "canonical"})
		}
		if target, err := os.Readlink(local); err == nil {
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(local), target)
			}
			candidates = append(candidates, candidate{filepath.Clean(target), "link"})
		}
	}

	for _, c := range candidates {
		if base, ok := LibraryBase(maps, c.key); ok {
			return Match{Path: c.key, Base: base, By: c.by}, nil
		}
	}

	if local != "" {
		name := filepath.Base(local)
		for _, m := range maps {
			if m.Pathname != "" && filepath.Base(m.Pathname) == name {
				base, _ := LibraryBase(maps, m.Pathname)
				return Match{Path: m.Pathname, Base: base, By: "basename"}, nil
			}
		}
	}

	for _, m := range maps {
		if m.Pathname == "" || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		if LooksLikeRuntime(filepath.Base(m.Pathname)) {
			base, _ := LibraryBase(maps, m.Pathname)
			return Match{Path: m.Pathname, Base: base, By: "heuristic"}, nil
		}
	}
	return Match{}, errors.New("runtime library %q not mapped in target", local)
}

// well-known install locations of the C runtime.
var runtimeSearchPath = []string{
	"/lib/x86_64-linux-gnu/libc.so.6",
	"/usr/lib/x86_64-linux-gnu/libc.so.6",
	"/lib64/libc.so.6",
	"/usr/lib64/libc.so.6",
	"/lib/libc.so.6",
	"/usr/lib/libc.so.6",
}

// LocateRuntime returns the local path of the C runtime library: the one mapped
// into this process if any, otherwise the first well-known location present.
func LocateRuntime() (string, error) {
	if maps, err := ReadMaps(os.Getpid()); err == nil {
		for _, m := range maps {
			if m.Pathname != "" && LooksLikeRuntime(filepath.Base(m.Pathname)) && strings.HasPrefix(filepath.Base(m.Pathname), "libc") {
				return m.Pathname, nil
			}
		}
	}
	for _, p := range runtimeSearchPath {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("could not locate the C runtime library")
}

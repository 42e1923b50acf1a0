package inject

import (
	"github.com/prometheus/procfs"

	"github.com/m4xw311/qtspy/errors"
)

// ReadMaps returns the memory mappings of pid from the system procfs.
func ReadMaps(pid int) ([]*procfs.ProcMap, error) {
	return ReadMapsFrom(procfs.DefaultMountPoint, pid)
}

// ReadMapsFrom reads /proc/<pid>/maps under the procfs mounted at root.
// Anonymous mappings are kept with an empty Pathname.
func ReadMapsFrom(root string, pid int) ([]*procfs.ProcMap, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open procfs at %s", root)
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "no process %d", pid)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read maps for pid %d", pid)
	}
	return maps, nil
}

// LibraryBase returns the lowest start address of any mapping of path.
func LibraryBase(maps []*procfs.ProcMap, path string) (uint64, bool) {
	var base uint64
	found := false
	for _, m := range maps {
		if m.Pathname != path {
			continue
		}
		if start := uint64(m.StartAddr); !found || start < base {
			base = start
			found = true
		}
	}
	return base, found
}

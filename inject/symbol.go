package inject

import (
	"debug/elf"

	"github.com/m4xw311/qtspy/errors"
)

// LoaderSymbols are the runtime entry points able to load a shared library, in
// order of preference.
var LoaderSymbols = []string{"dlopen", "__libc_dlopen_mode"}

// SymbolOffset returns the offset of the first of names found in the dynamic
// symbol table of the ELF file at path. The offset is relative to the
// page-aligned lowest PT_LOAD address, which is where the file's first mapping
// starts in a process.
func SymbolOffset(path string, names ...string) (uint64, string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, "", errors.Wrapf(err, "failed to read dynamic symbols of %s", path)
	}
	loadBase, ok := lowestLoad(f)
	if !ok {
		return 0, "", errors.New("%s has no PT_LOAD segment", path)
	}

	for _, name := range names {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Section == elf.SHN_UNDEF {
				continue
			}
			if s.Name == name {
				return s.Value - loadBase, name, nil
			}
		}
	}
	return 0, "", errors.New("none of %v exported by %s", names, path)
}

func lowestLoad(f *elf.File) (uint64, bool) {
	var low uint64
	found := false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < low {
			low = p.Vaddr
			found = true
		}
	}
	const pageMask = 0xfff
	return low &^ pageMask, found
}

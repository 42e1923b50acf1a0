// Package inject forces a running process to load a shared library.
//
// The loader attaches with ptrace, writes the library path and a short call
// stub into the stopped process, points the instruction pointer at the stub
// and lets it run the runtime's dlopen. Whatever happens, the overwritten
// memory and the original registers are restored before the process is
// detached, so a failed injection leaves the target as it was.
package inject

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/errors"
)

// dlopen flags: RTLD_NOW | RTLD_GLOBAL.
const dlopenFlags = 0x2 | 0x100

// redZone is the area below the stack pointer the ABI lets leaf functions use.
const redZone = 128

// Registers is a full register file snapshot. Only the Arch that produced it
// interprets its contents.
type Registers interface {
	Clone() Registers
}

// Tracee is a process under ptrace control. All calls must come from the OS
// thread that called Attach.
type Tracee interface {
	Pid() int
	Attach() error
	// WaitStop waits for the next stop and returns its signal.
	WaitStop(timeout time.Duration) (syscall.Signal, error)
	GetRegs() (Registers, error)
	SetRegs(Registers) error
	ReadMemory(addr uint64, n int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	Continue() error
	Detach() error
}

// Arch adapts the remote call to one CPU architecture.
type Arch interface {
	Name() string
	// Stub returns code that calls fn and then traps.
	Stub(fn uint64) []byte
	InstructionPointer(r Registers) uint64
	StackPointer(r Registers) uint64
	// PrepareCall returns a copy of r set up to run the stub at pc with the
	// given stack pointer and two integer arguments.
	PrepareCall(r Registers, pc, sp, arg0, arg1 uint64) Registers
	ReturnValue(r Registers) uint64
}

// RemoteCallExecutor is what the client engine needs from the loader.
type RemoteCallExecutor interface {
	Inject(ctx context.Context, pid int, libraryPath string) error
}

// Loader injects libraries by remote dlopen.
type Loader struct {
	Arch Arch
	// RuntimeLibrary is the local path of the C runtime. Empty means
	// LocateRuntime.
	RuntimeLibrary string
	StopTimeout    time.Duration
	CallTimeout    time.Duration

	NewTracee    func(pid int) Tracee
	ReadMaps     func(pid int) ([]*procfs.ProcMap, error)
	SymbolOffset func(path string, names ...string) (uint64, string, error)

	Logger *zap.Logger
}

var _ RemoteCallExecutor = (*Loader)(nil)

// NewLoader returns a loader for the native architecture using ptrace.
func NewLoader(log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		Arch:         nativeArch(),
		StopTimeout:  5 * time.Second,
		CallTimeout:  10 * time.Second,
		NewTracee:    newPtraceTracee,
		ReadMaps:     ReadMaps,
		SymbolOffset: SymbolOffset,
		Logger:       log,
	}
}

// pids with a loader run in progress.
var (
	activeMu sync.Mutex
	active   = map[int]bool{}
)

func lockPid(pid int) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active[pid] {
		return false
	}
	active[pid] = true
	return true
}

func unlockPid(pid int) {
	activeMu.Lock()
	defer activeMu.Unlock()
	delete(active, pid)
}

// backup is a span of target memory saved before it was overwritten.
type backup struct {
	addr uint64
	data []byte
}

// Inject makes pid dlopen libraryPath. The context is only checked before
// attaching; once attached the sequence runs to completion with bounded waits.
func (l *Loader) Inject(ctx context.Context, pid int, libraryPath string) (err error) {
	fail := func(stage string, cause error) error {
		return &errors.InjectionError{Stage: stage, Pid: pid, Err: cause}
	}
	if l.Arch == nil {
		return fail("arch", errors.New("injection is not supported on %s/%s", runtime.GOOS, runtime.GOARCH))
	}
	if libraryPath == "" {
		return fail("resolve", errors.New("no library path"))
	}
	if err := ctx.Err(); err != nil {
		return fail("attach", err)
	}
	if !lockPid(pid) {
		return fail("attach", errors.New("another injection into pid %d is in progress", pid))
	}
	defer unlockPid(pid)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := l.logger().With(zap.Int("pid", pid), zap.String("library", libraryPath))
	t := l.NewTracee(pid)

	if err := t.Attach(); err != nil {
		return fail("attach", err)
	}
	if _, err := t.WaitStop(l.StopTimeout); err != nil {
		t.Detach()
		return fail("wait", err)
	}
	orig, err := t.GetRegs()
	if err != nil {
		t.Detach()
		return fail("registers", err)
	}

	var saved []backup
	defer func() {
		// Restore in reverse order of writes, then registers, then detach.
		var restoreErr error
		for i := len(saved) - 1; i >= 0; i-- {
			if werr := t.WriteMemory(saved[i].addr, saved[i].data); werr != nil && restoreErr == nil {
				restoreErr = werr
			}
		}
		if serr := t.SetRegs(orig); serr != nil && restoreErr == nil {
			restoreErr = serr
		}
		if restoreErr != nil {
			log.Error("failed to restore target state", zap.Error(restoreErr))
			if err == nil {
				err = fail("restore", restoreErr)
			}
		}
		if derr := t.Detach(); derr != nil && err == nil {
			err = fail("detach", derr)
		}
	}()

	fn, err := l.resolveLoader(pid, log)
	if err != nil {
		return fail("resolve", err)
	}

	write := func(addr uint64, data []byte) error {
		old, err := t.ReadMemory(addr, len(data))
		if err != nil {
			return err
		}
		saved = append(saved, backup{addr: addr, data: old})
		return t.WriteMemory(addr, data)
	}

	// Scratch on the stack: the NUL-terminated path past the red zone, and
	// below it a 16-byte aligned return slot holding the trap address.
	sp := l.Arch.StackPointer(orig)
	path := append([]byte(libraryPath), 0)
	pathAddr := (sp - redZone - uint64(len(path))) &^ 0xf
	retSlot := (pathAddr - 16) &^ 0xf

	pc := l.Arch.InstructionPointer(orig)
	stub := l.Arch.Stub(fn)
	trap := pc + uint64(len(stub)) - 1

	scratch := make([]byte, pathAddr+uint64(len(path))-retSlot)
	binary.LittleEndian.PutUint64(scratch, trap)
	copy(scratch[pathAddr-retSlot:], path)
	if err := write(retSlot, scratch); err != nil {
		return fail("memory", err)
	}
	if err := write(pc, stub); err != nil {
		return fail("memory", err)
	}

	call := l.Arch.PrepareCall(orig, pc, retSlot, pathAddr, dlopenFlags)
	if err := t.SetRegs(call); err != nil {
		return fail("registers", err)
	}
	if err := t.Continue(); err != nil {
		return fail("remote-call", err)
	}
	sig, err := t.WaitStop(l.CallTimeout)
	if err != nil {
		return fail("remote-call", err)
	}
	if sig != syscall.SIGTRAP {
		return fail("signal", errors.New("unexpected %v during remote call", sig))
	}
	after, err := t.GetRegs()
	if err != nil {
		return fail("registers", err)
	}
	if handle := l.Arch.ReturnValue(after); handle == 0 {
		return fail("remote-call", errors.New("dlopen returned NULL for %s", libraryPath))
	}
	log.Info("library loaded into target")
	return nil
}

func (l *Loader) resolveLoader(pid int, log *zap.Logger) (uint64, error) {
	local := l.RuntimeLibrary
	if local == "" {
		var err error
		if local, err = LocateRuntime(); err != nil {
			return 0, err
		}
	}
	maps, err := l.ReadMaps(pid)
	if err != nil {
		return 0, err
	}
	match, err := MatchLibrary(maps, local)
	if err != nil {
		return 0, err
	}
	// Symbols are read from the local file when the match is the same library,
	// otherwise from the file the target actually mapped.
	symPath := local
	if match.By == "basename" || match.By == "heuristic" {
		symPath = match.Path
	}
	offset, name, err := l.SymbolOffset(symPath, LoaderSymbols...)
	if err != nil {
		return 0, err
	}
	fn := match.Base + offset
	log.Debug("resolved remote loader",
		zap.String("library", match.Path),
		zap.String("matched_by", match.By),
		zap.String("symbol", name),
		zap.Uint64("address", fn))
	return fn, nil
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

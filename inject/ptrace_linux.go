//go:build linux

package inject

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m4xw311/qtspy/errors"
)

type ptraceRegs struct {
	unix.PtraceRegs
}

func (r *ptraceRegs) Clone() Registers {
	c := *r
	return &c
}

// ptraceTracee drives a real process with ptrace(2).
type ptraceTracee struct {
	pid int
}

func newPtraceTracee(pid int) Tracee { return &ptraceTracee{pid: pid} }

func (t *ptraceTracee) Pid() int { return t.pid }

func (t *ptraceTracee) Attach() error {
	if err := unix.PtraceAttach(t.pid); err != nil {
		return errors.Wrapf(err, "PTRACE_ATTACH")
	}
	return nil
}

func (t *ptraceTracee) WaitStop(timeout time.Duration) (syscall.Signal, error) {
	deadline := time.Now().Add(timeout)
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(t.pid, &ws, unix.WNOHANG|unix.WALL, nil)
		if err != nil && err != unix.EINTR {
			return 0, errors.Wrapf(err, "wait4")
		}
		if wpid == t.pid {
			switch {
			case ws.Stopped():
				return ws.StopSignal(), nil
			case ws.Exited():
				return 0, errors.New("process exited with status %d", ws.ExitStatus())
			case ws.Signaled():
				return 0, errors.New("process killed by %v", ws.Signal())
			}
		}
		if time.Now().After(deadline) {
			return 0, errors.New("timed out after %s waiting for stop", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (t *ptraceTracee) GetRegs() (Registers, error) {
	var r ptraceRegs
	if err := unix.PtraceGetRegs(t.pid, &r.PtraceRegs); err != nil {
		return nil, errors.Wrapf(err, "PTRACE_GETREGS")
	}
	return &r, nil
}

func (t *ptraceTracee) SetRegs(r Registers) error {
	pr, ok := r.(*ptraceRegs)
	if !ok {
		return errors.New("foreign register set %T", r)
	}
	if err := unix.PtraceSetRegs(t.pid, &pr.PtraceRegs); err != nil {
		return errors.Wrapf(err, "PTRACE_SETREGS")
	}
	return nil
}

func (t *ptraceTracee) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := unix.PtracePeekData(t.pid, uintptr(addr), buf)
	if err != nil {
		return nil, errors.Wrapf(err, "PTRACE_PEEKDATA at %#x", addr)
	}
	if got != n {
		return nil, errors.New("short read at %#x: %d of %d bytes", addr, got, n)
	}
	return buf, nil
}

func (t *ptraceTracee) WriteMemory(addr uint64, data []byte) error {
	got, err := unix.PtracePokeData(t.pid, uintptr(addr), data)
	if err != nil {
		return errors.Wrapf(err, "PTRACE_POKEDATA at %#x", addr)
	}
	if got != len(data) {
		return errors.New("short write at %#x: %d of %d bytes", addr, got, len(data))
	}
	return nil
}

func (t *ptraceTracee) Continue() error {
	if err := unix.PtraceCont(t.pid, 0); err != nil {
		return errors.Wrapf(err, "PTRACE_CONT")
	}
	return nil
}

func (t *ptraceTracee) Detach() error {
	if err := unix.PtraceDetach(t.pid); err != nil {
		return errors.Wrapf(err, "PTRACE_DETACH")
	}
	return nil
}

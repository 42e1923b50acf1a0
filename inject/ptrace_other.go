//go:build !linux

package inject

import (
	"syscall"
	"time"

	"github.com/m4xw311/qtspy/errors"
)

type unsupportedTracee struct{ pid int }

func newPtraceTracee(pid int) Tracee { return unsupportedTracee{pid: pid} }

var errUnsupported = errors.New("ptrace is only available on linux")

func (t unsupportedTracee) Pid() int { return t.pid }
func (unsupportedTracee) Attach() error { return errUnsupported }
func (unsupportedTracee) WaitStop(time.Duration) (syscall.Signal, error) { return 0, errUnsupported }
func (unsupportedTracee) GetRegs() (Registers, error) { return nil, errUnsupported }
func (unsupportedTracee) SetRegs(Registers) error { return errUnsupported }
func (unsupportedTracee) ReadMemory(uint64, int) ([]byte, error) { return nil, errUnsupported }
func (unsupportedTracee) WriteMemory(uint64, []byte) error { return errUnsupported }
func (unsupportedTracee) Continue() error { return errUnsupported }
func (unsupportedTracee) Detach() error { return errUnsupported }

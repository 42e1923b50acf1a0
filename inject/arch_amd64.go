//go:build linux && amd64

package inject

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// AMD64 builds the remote call for x86-64 System V targets.
type AMD64 struct{}

func nativeArch() Arch { return AMD64{} }

func (AMD64) Name() string { return "amd64" }

// Stub encodes:
//
//	movabs rax, fn
//	call   rax
//	int3
func (AMD64) Stub(fn uint64) []byte {
	stub := make([]byte, 0, 13)
	stub = append(stub, 0x48, 0xb8)
	stub = binary.LittleEndian.AppendUint64(stub, fn)
	stub = append(stub, 0xff, 0xd0)
	return append(stub, 0xcc)
}

func (AMD64) InstructionPointer(r Registers) uint64 { return regs(r).Rip }

func (AMD64) StackPointer(r Registers) uint64 { return regs(r).Rsp }

func (AMD64) PrepareCall(r Registers, pc, sp, arg0, arg1 uint64) Registers {
	out := r.Clone()
	c := regs(out)
	c.Rip = pc
	c.Rsp = sp
	c.Rdi = arg0
	c.Rsi = arg1
	c.Rax = 0
	// Keep the kernel from treating the stop as an interrupted syscall to restart.
	c.Orig_rax = ^uint64(0)
	return out
}

func (AMD64) ReturnValue(r Registers) uint64 { return regs(r).Rax }

func regs(r Registers) *unix.PtraceRegs {
	return &r.(*ptraceRegs).PtraceRegs
}

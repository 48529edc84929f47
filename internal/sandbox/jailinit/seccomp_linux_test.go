//go:build linux

package jailinit

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestAllowedSyscallsAllResolve(t *testing.T) {
	for _, name := range allowedSyscalls {
		if _, ok := amd64SyscallNumbers[name]; !ok {
			t.Errorf("allowed syscall %q has no entry in amd64SyscallNumbers", name)
		}
	}
}

func TestBuildFilterProgram_ErrnoDeny(t *testing.T) {
	prog, err := buildFilterProgram("errno")
	if err != nil {
		t.Fatalf("buildFilterProgram: %v", err)
	}
	assertWellFormed(t, prog)
}

func TestBuildFilterProgram_KillDeny(t *testing.T) {
	prog, err := buildFilterProgram("kill")
	if err != nil {
		t.Fatalf("buildFilterProgram: %v", err)
	}
	assertWellFormed(t, prog)
}

func TestBuildFilterProgram_UnknownSyscallRejected(t *testing.T) {
	allowedSyscalls = append(allowedSyscalls, "definitely_not_a_syscall")
	defer func() { allowedSyscalls = allowedSyscalls[:len(allowedSyscalls)-1] }()

	if _, err := buildFilterProgram("errno"); err == nil {
		t.Fatal("expected an error for an unresolvable syscall name")
	}
}

// assertWellFormed checks that every BPF jump instruction lands on a valid
// instruction index within the program, which would otherwise crash the
// kernel's BPF verifier rather than this test.
func assertWellFormed(t *testing.T, prog *unix.SockFprog) {
	t.Helper()

	n := int(prog.Len)
	insns := unsafe.Slice(prog.Filter, n)
	for i, insn := range insns {
		if insn.Code&0x07 == unix.BPF_JMP {
			if jt := i + 1 + int(insn.Jt); jt >= n {
				t.Errorf("instruction %d: Jt target %d out of range (len %d)", i, jt, n)
			}
			if jf := i + 1 + int(insn.Jf); jf >= n {
				t.Errorf("instruction %d: Jf target %d out of range (len %d)", i, jf, n)
			}
		}
	}
}

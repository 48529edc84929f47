//go:build linux

package jailinit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allowedSyscalls is the default-deny allow-list for sandboxed grader
// execution: just enough for Python's interpreter startup, the file,
// memory, and threading operations common ML/data-science grading code
// needs, and spawning and waiting on subprocesses (execve, clone, fork,
// wait4), with no socket or other network syscalls.
var allowedSyscalls = []string{
	"execve", "clone", "clone3", "fork", "vfork", "wait4", "exit", "exit_group",
	"getpid", "gettid", "tgkill", "uname", "getrandom", "arch_prctl", "set_tid_address",
	"brk", "mmap", "munmap", "mprotect", "madvise",
	"openat", "read", "pread64", "write", "pwrite64", "close", "pipe", "pipe2",
	"fstat", "newfstatat", "stat", "lseek", "access", "faccessat",
	"statx", "readlink", "readlinkat", "getcwd", "chdir",
	"unlink", "unlinkat", "mkdir", "mkdirat", "rename", "renameat", "renameat2",
	"fchmod", "fchmodat", "ftruncate", "truncate", "getdents64",
	"clock_gettime", "gettimeofday", "nanosleep", "clock_nanosleep",
	"sigaltstack", "rt_sigtimedwait", "prlimit64",
	"getuid", "geteuid", "getgid", "getegid",
	"futex", "futex_waitv", "sched_getaffinity", "rseq",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
	"ioctl", "fcntl", "dup", "dup2", "dup3", "prctl", "set_robust_list",
}

// amd64SyscallNumbers maps the allow-list names to their x86_64 syscall
// numbers. The jail template and spawned bootstrap process are amd64-only.
var amd64SyscallNumbers = map[string]uint32{
	"read": 0, "write": 1, "close": 3, "stat": 4, "fstat": 5,
	"lseek": 8, "mmap": 9, "mprotect": 10, "munmap": 11, "brk": 12,
	"rt_sigaction": 13, "rt_sigprocmask": 14, "rt_sigreturn": 15,
	"ioctl": 16, "pread64": 17, "pwrite64": 18, "access": 21,
	"pipe": 22, "dup": 32, "dup2": 33, "nanosleep": 35,
	"getpid": 39, "exit_group": 231, "exit": 60,
	"fcntl": 72, "truncate": 76, "ftruncate": 77, "getcwd": 79, "chdir": 80,
	"rename": 82, "mkdir": 83, "unlink": 87, "readlink": 89,
	"fchmod": 91, "gettimeofday": 96, "getuid": 102, "getgid": 104,
	"geteuid": 107, "getegid": 108,
	"uname": 63, "sigaltstack": 131, "arch_prctl": 158,
	"clone": 56, "fork": 57, "vfork": 58, "execve": 59, "wait4": 61,
	"gettid": 186, "futex": 202, "sched_getaffinity": 204,
	"set_tid_address": 218, "getdents64": 217,
	"clock_gettime": 228, "clock_nanosleep": 230, "rt_sigtimedwait": 128,
	"tgkill": 234, "openat": 257, "mkdirat": 258,
	"unlinkat": 263, "renameat": 264, "readlinkat": 267, "fchmodat": 268, "faccessat": 269,
	"newfstatat": 262, "set_robust_list": 273, "dup3": 292, "pipe2": 293,
	"prlimit64": 302, "renameat2": 316, "getrandom": 318,
	"prctl": 157, "statx": 332, "rseq": 334, "madvise": 28,
	"clone3": 435, "futex_waitv": 449,
}

const auditArchX86_64 = 0xc000003e // AUDIT_ARCH_X86_64

// installSeccomp loads a classic-BPF seccomp program enforcing the
// default-deny allow-list, with onDeny selecting whether denied syscalls
// fail with EPERM ("errno", the default — many programs handle this more
// gracefully than a signal) or are terminated outright ("kill").
func installSeccomp(onDeny string) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: set no_new_privs: %w", err)
	}

	prog, err := buildFilterProgram(onDeny)
	if err != nil {
		return err
	}

	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(prog)), 0, 0); err != nil {
		return fmt.Errorf("seccomp: install filter: %w", err)
	}
	return nil
}

// buildFilterProgram assembles a classic BPF program over seccomp_data
// (nr at offset 0, arch at offset 4): reject any non-x86_64 caller,
// allow every syscall in allowedSyscalls, deny everything else per onDeny.
func buildFilterProgram(onDeny string) (*unix.SockFprog, error) {
	var denyAction uint32 = unix.SECCOMP_RET_ERRNO | uint32(unix.EPERM)
	if onDeny == "kill" {
		denyAction = unix.SECCOMP_RET_KILL
	}

	var insns []unix.SockFilter

	// Load arch, jump past the allow-list to the deny instruction (errno or
	// kill, per onDeny) if it doesn't match amd64 — never negotiate with a
	// 32-bit syscall table.
	insns = append(insns,
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, 4),
	)
	archCheckIdx := len(insns)
	insns = append(insns, unix.SockFilter{}) // placeholder, patched below

	// Load syscall number.
	insns = append(insns, bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, 0))

	names := allowedSyscalls
	for _, name := range names {
		nr, ok := amd64SyscallNumbers[name]
		if !ok {
			return nil, fmt.Errorf("seccomp: unknown syscall in allow-list: %s", name)
		}
		// jt is patched in a second pass below, once the ALLOW
		// instruction's final offset is known; jf=0 falls through to the
		// next comparison on mismatch.
		insns = append(insns, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   0,
			Jf:   0,
			K:    nr,
		})
	}

	denyIdx := len(insns)
	insns = append(insns, bpfRet(denyAction))
	allowIdx := len(insns)
	insns = append(insns, bpfRet(unix.SECCOMP_RET_ALLOW))

	// Patch the arch check: if arch != x86_64, jump to deny (kill/errno).
	archJumpDistance := denyIdx - (archCheckIdx + 1)
	insns[archCheckIdx] = unix.SockFilter{
		Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
		Jt:   0,
		Jf:   uint8(archJumpDistance),
		K:    auditArchX86_64,
	}

	// Patch each syscall comparison's jt to jump to ALLOW.
	compareBase := archCheckIdx + 2 // after arch check + nr load
	for i := range names {
		idx := compareBase + i
		jump := allowIdx - (idx + 1)
		insns[idx].Jt = uint8(jump)
	}

	return &unix.SockFprog{
		Len:    uint16(len(insns)),
		Filter: &insns[0],
	}, nil
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func bpfRet(k uint32) unix.SockFilter {
	return unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, Jt: 0, Jf: 0, K: k}
}

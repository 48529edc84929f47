//go:build linux

// Package jailinit registers the reexec entrypoint that runs inside the
// already-chrooted, already-privilege-dropped child process: it applies
// the rlimits and umask, installs the seccomp filter unless it is turned
// off, and then execs the bootstrap interpreter. Using Docker's reexec
// convention (the same self-reexec trick dockerd itself uses) keeps
// the rlimit and seccomp setup on the child side of
// fork, which is required since Go cannot run arbitrary code between
// fork and exec from the parent.
package jailinit

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

// EntrypointName is the reexec command name the chroot sandbox spawns.
const EntrypointName = "evaluateapp-jail-init"

func init() {
	reexec.Register(EntrypointName, main)
}

// main runs as the reexec'd child: argv is [EntrypointName, onDeny,
// cpuSeconds, addressSpaceBytes, maxProcesses, maxFileSizeBytes,
// pythonExecutable, scriptPath]. Rlimits and (optionally) the seccomp
// filter are applied here, inside the already-chrooted, already
// privilege-dropped child, rather than in the parent server process — Go's
// os/exec has no fork-without-exec hook, so this reexec is the only place
// that can touch rlimits without mutating the long-lived server's own
// limits.
func main() {
	args := os.Args
	if len(args) != 8 {
		fmt.Fprintf(os.Stderr, "jailinit: expected 7 arguments, got %d\n", len(args)-1)
		os.Exit(1)
	}
	onDeny := args[1]
	cpuSeconds := mustAtoi(args[2])
	addressSpaceBytes := mustAtou64(args[3])
	maxProcesses := mustAtou64(args[4])
	maxFileSizeBytes := mustAtou64(args[5])
	pythonExecutable, scriptPath := args[6], args[7]

	applyRlimits(cpuSeconds, addressSpaceBytes, maxProcesses, maxFileSizeBytes)
	syscall.Umask(0o077)

	if onDeny != "off" {
		if err := installSeccomp(onDeny); err != nil {
			fmt.Fprintf(os.Stderr, "jailinit: seccomp install failed: %v\n", err)
			os.Exit(1)
		}
	}

	env := os.Environ()
	if err := syscall.Exec(pythonExecutable, []string{pythonExecutable, scriptPath}, env); err != nil {
		fmt.Fprintf(os.Stderr, "jailinit: exec failed: %v\n", err)
		os.Exit(1)
	}
}

// applyRlimits sets the four POSIX limits the sandbox contract requires —
// CPU seconds, virtual address space, process/thread count, and max file
// size — via Setrlimit on this reexec'd process just before it execs into
// the interpreter, so only the sandboxed child is bounded.
func applyRlimits(cpuSeconds int, addressSpaceBytes, maxProcesses, maxFileSizeBytes uint64) {
	setRlimit(unix.RLIMIT_CPU, uint64(cpuSeconds))
	setRlimit(unix.RLIMIT_AS, addressSpaceBytes)
	setRlimit(unix.RLIMIT_NPROC, maxProcesses)
	setRlimit(unix.RLIMIT_FSIZE, maxFileSizeBytes)
}

func setRlimit(resource int, value uint64) {
	limit := &unix.Rlimit{Cur: value, Max: value}
	if err := unix.Setrlimit(resource, limit); err != nil {
		fmt.Fprintf(os.Stderr, "jailinit: failed to set rlimit %d to %d: %v\n", resource, value, err)
	}
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jailinit: invalid integer argument %q: %v\n", s, err)
		os.Exit(1)
	}
	return n
}

func mustAtou64(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jailinit: invalid integer argument %q: %v\n", s, err)
		os.Exit(1)
	}
	return n
}

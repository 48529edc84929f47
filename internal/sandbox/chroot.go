package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/evaluateapp/internal/config"
	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/sandbox/bootstrap"
	"github.com/ocx/evaluateapp/internal/sandbox/jailinit"
	"github.com/ocx/evaluateapp/internal/workspace"
)

// ChrootSandbox runs each evaluation inside a cloned template root, jailed
// with chroot, POSIX rlimits, and (when EnableSeccomp is set) a
// default-deny seccomp profile, under an unprivileged uid/gid.
type ChrootSandbox struct {
	cfg         config.ChrootConfig
	wallTimeout time.Duration
	available   bool
	logger      *slog.Logger
}

// NewChrootSandbox builds a chroot-backed Runner. available reports false
// (and Run falls back to an ERROR result) when the configured template
// root does not exist on this host. wallTimeout bounds the sandboxed
// child's wall-clock lifetime independently of the CPU-seconds rlimit — a
// grader that sleeps rather than spins burns no CPU time, so RLIMIT_CPU
// alone would never catch it. wallTimeout <= 0 defaults to 310s.
func NewChrootSandbox(cfg config.ChrootConfig, wallTimeout time.Duration) *ChrootSandbox {
	if wallTimeout <= 0 {
		wallTimeout = defaultWallTimeout
	}

	available := true
	if _, err := os.Stat(cfg.TemplateRoot); err != nil {
		slog.Warn("chroot template root not found, sandbox will report ERROR on use", "path", cfg.TemplateRoot, "error", err)
		available = false
	}

	return &ChrootSandbox{
		cfg:         cfg,
		wallTimeout: wallTimeout,
		available:   available,
		logger:      slog.Default().With("component", "sandbox.chroot"),
	}
}

// IsAvailable reports whether the jail template root is usable on this host.
func (s *ChrootSandbox) IsAvailable() bool {
	return s.available
}

// Probe implements sandbox.Prober for the /debug/sandbox endpoint.
func (s *ChrootSandbox) Probe(ctx context.Context) (bool, string) {
	if s.available {
		return true, fmt.Sprintf("template root %s present", s.cfg.TemplateRoot)
	}
	return false, fmt.Sprintf("template root %s not found", s.cfg.TemplateRoot)
}

func (s *ChrootSandbox) Run(ctx context.Context, ws *workspace.Workspace, submissionID string) (Result, error) {
	if !s.available {
		return Result{
			Status: StatusError,
			Logs:   fmt.Sprintf("chroot template root %s is unavailable on this host", s.cfg.TemplateRoot),
		}, nil
	}

	if err := os.MkdirAll(s.cfg.JailParent, 0o755); err != nil {
		return Result{}, fmt.Errorf("sandbox: create jail parent: %w", err)
	}
	jailDir, err := os.MkdirTemp(s.cfg.JailParent, "jail-*")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create jail dir: %w", err)
	}
	// L1-style ordering: defer cleanup immediately after the resource it
	// guards is created, before any work that might fail.
	defer os.RemoveAll(jailDir)

	if err := cloneTemplateRoot(s.cfg.TemplateRoot, jailDir); err != nil {
		return Result{}, fmt.Errorf("sandbox: clone jail template: %w", err)
	}
	if err := prepareJailDev(jailDir); err != nil {
		return Result{}, fmt.Errorf("sandbox: prepare jail /dev: %w", err)
	}
	if err := prepareJailTmp(jailDir); err != nil {
		return Result{}, fmt.Errorf("sandbox: prepare jail tmp dirs: %w", err)
	}

	// Layout matches the documented chroot filesystem contract: the two
	// expanded archives and the generated bootstrap sit directly under
	// the jail root as /submission_env, /judge_env, and /eval_runner.py
	// (the container backend's bind mounts use a /workspace/... layout
	// instead — each backend keeps the layout its own mechanism implies).
	jailSubmissionDir := filepath.Join(jailDir, "submission_env")
	jailJudgeDir := filepath.Join(jailDir, "judge_env")
	if err := os.MkdirAll(jailSubmissionDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("sandbox: create jail submission dir: %w", err)
	}
	if err := os.MkdirAll(jailJudgeDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("sandbox: create jail judge dir: %w", err)
	}
	if err := bindOrCopy(ws.SubmissionDir, jailSubmissionDir); err != nil {
		return Result{}, fmt.Errorf("sandbox: populate jail submission dir: %w", err)
	}
	if err := bindOrCopy(ws.JudgeDir, jailJudgeDir); err != nil {
		return Result{}, fmt.Errorf("sandbox: populate jail judge dir: %w", err)
	}

	runnerSrc, err := bootstrap.Render(bootstrap.Params{
		JudgeDir:         "/judge_env",
		SubmissionDir:    "/submission_env",
		PythonExecutable: "/usr/bin/python3",
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: render bootstrap: %w", err)
	}
	runnerPath := filepath.Join(jailDir, "eval_runner.py")
	if err := os.WriteFile(runnerPath, []byte(runnerSrc), 0o644); err != nil {
		return Result{}, fmt.Errorf("sandbox: write bootstrap: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.wallTimeout)
	defer cancel()

	cmd, err := buildJailedCmd(runCtx, jailDir, s.cfg)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: prepare jailed entrypoint: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return resultparser.Parse(stdout.Bytes(), stderr.Bytes(), -1, true), nil
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("sandbox: spawn jailed process: %w", runErr)
		}
	}

	return resultparser.Parse(stdout.Bytes(), stderr.Bytes(), exitCode, false), nil
}

// buildJailedCmd copies the running binary into the jail so that, once
// chrooted, "/evaluateapp-jailinit" still resolves — the same self-reexec
// convention dockerd uses for dockerinit — then arranges for it to be run
// with jailinit.EntrypointName as argv[0] so reexec.Init dispatches to
// jailinit.main, which applies rlimits, optionally installs the seccomp
// filter, and execs Python. Rlimits always go through this reexec rather
// than being set on the parent: Go's os/exec has no fork-without-exec
// hook, so a Setrlimit call made from the evaluator's own goroutine would
// bound the long-lived server process itself, not just the child.
func buildJailedCmd(ctx context.Context, jailDir string, cfg config.ChrootConfig) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}
	jailedSelf := filepath.Join(jailDir, "evaluateapp-jailinit")
	if err := copyFile(self, jailedSelf, 0o755); err != nil {
		return nil, fmt.Errorf("copy self into jail: %w", err)
	}

	onDeny := "off"
	if cfg.EnableSeccomp {
		onDeny = cfg.SeccompOnDeny
		if onDeny == "" {
			onDeny = "errno"
		}
	}

	cmd := exec.CommandContext(ctx, "/evaluateapp-jailinit")
	cmd.Args = []string{
		jailinit.EntrypointName,
		onDeny,
		strconv.Itoa(int(cfg.CPUSeconds)),
		strconv.FormatUint(cfg.AddressSpaceMB*1024*1024, 10),
		strconv.FormatUint(cfg.MaxProcesses, 10),
		strconv.FormatUint(cfg.MaxFileSizeMB*1024*1024, 10),
		"/usr/bin/python3",
		"/eval_runner.py",
	}
	cmd.Dir = "/"
	cmd.Env = threadCapEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: jailDir,
		Credential: &syscall.Credential{
			Uid: uint32(cfg.UnprivilegedUID),
			Gid: uint32(cfg.UnprivilegedGID),
		},
	}
	return cmd, nil
}

// threadCapEnv caps the numeric-library thread pools a grader's
// subprocesses might spin up: a single runaway matrix library otherwise
// blows through the NPROC rlimit on its own before the grader even starts.
func threadCapEnv() []string {
	return append(os.Environ(),
		"OMP_NUM_THREADS=1",
		"OPENBLAS_NUM_THREADS=1",
		"MKL_NUM_THREADS=1",
		"NUMEXPR_NUM_THREADS=1",
		"MALLOC_ARENA_MAX=2",
	)
}

// cloneTemplateRoot populates jailDir with the jail template, preferring
// hardlinks and falling back to a copy when the filesystem doesn't support
// them (e.g. template and jail roots on different devices).
func cloneTemplateRoot(templateRoot, jailDir string) error {
	return filepath.Walk(templateRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateRoot, path)
		if err != nil {
			return err
		}
		target := filepath.Join(jailDir, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		if err := os.Link(path, target); err == nil {
			return nil
		}
		return copyFile(path, target, info.Mode())
	})
}

// devNodes are the character devices a Python runtime expects inside the
// jail, named after their canonical /dev major:minor pairs.
var devNodes = []struct {
	name         string
	major, minor uint32
	mode         uint32
}{
	{"null", 1, 3, 0o666},
	{"zero", 1, 5, 0o666},
	{"random", 1, 8, 0o666},
	{"urandom", 1, 9, 0o666},
	{"tty", 5, 0, 0o666},
}

// prepareJailDev removes any template-supplied /dev and recreates the
// fixed set of character devices the bootstrap's Python runtime expects.
// Mknod requires CAP_MKNOD; EPERM is tolerated since an unprivileged
// deployment may lack it.
func prepareJailDev(jailDir string) error {
	devDir := filepath.Join(jailDir, "dev")
	if err := os.RemoveAll(devDir); err != nil {
		return err
	}
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return err
	}
	for _, d := range devNodes {
		path := filepath.Join(devDir, d.name)
		dev := int(unix.Mkdev(d.major, d.minor))
		if err := unix.Mknod(path, unix.S_IFCHR|d.mode, dev); err != nil && err != unix.EPERM {
			return fmt.Errorf("mknod %s: %w", path, err)
		}
	}
	return nil
}

// prepareJailTmp ensures the three scratch directories graders commonly
// write to exist with the sticky bit set.
func prepareJailTmp(jailDir string) error {
	for _, rel := range []string{"tmp", "var/tmp", "usr/tmp"} {
		dir := filepath.Join(jailDir, rel)
		if err := os.MkdirAll(dir, 0o1777); err != nil {
			return err
		}
		if err := os.Chmod(dir, 0o1777); err != nil {
			return err
		}
	}
	return nil
}

func bindOrCopy(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

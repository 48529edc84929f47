package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ocx/evaluateapp/internal/config"
	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/sandbox/bootstrap"
	"github.com/ocx/evaluateapp/internal/workspace"
)

const defaultFallbackImage = "python:3.12-slim"

// ContainerSandbox runs each evaluation in its own throwaway Docker
// container: read-only bind mounts for the submission and judge trees, the
// configured network mode ("none" unless set otherwise), capped
// CPU/memory/pids, and force-removal on every exit path.
type ContainerSandbox struct {
	cfg         config.ContainerConfig
	wallTimeout time.Duration
	logger      *slog.Logger
}

// NewContainerSandbox constructs a Docker-backed Runner. wallTimeout
// bounds the container's wall-clock lifetime; wallTimeout <= 0 defaults
// to 310s.
func NewContainerSandbox(cfg config.ContainerConfig, wallTimeout time.Duration) *ContainerSandbox {
	if wallTimeout <= 0 {
		wallTimeout = defaultWallTimeout
	}
	return &ContainerSandbox{
		cfg:         cfg,
		wallTimeout: wallTimeout,
		logger:      slog.Default().With("component", "sandbox.container"),
	}
}

func (s *ContainerSandbox) Run(ctx context.Context, ws *workspace.Workspace, submissionID string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.wallTimeout)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: docker client: %w", err)
	}
	defer cli.Close()

	runnerDir, err := os.MkdirTemp("", "evaluateapp-runner-*")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create runner temp dir: %w", err)
	}
	defer os.RemoveAll(runnerDir)

	runnerSrc, err := bootstrap.Render(bootstrap.Params{
		JudgeDir:         "/workspace/judge",
		SubmissionDir:    "/workspace/submission",
		PythonExecutable: "/usr/bin/python3",
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: render bootstrap: %w", err)
	}

	runnerHostPath := filepath.Join(runnerDir, "eval_runner.py")
	if err := os.WriteFile(runnerHostPath, []byte(runnerSrc), 0o644); err != nil {
		return Result{}, fmt.Errorf("sandbox: write bootstrap: %w", err)
	}

	image := s.resolveImage(runCtx, cli)
	if s.cfg.Pull {
		if err := s.pullImage(runCtx, cli, image); err != nil {
			s.logger.Warn("failed to pre-pull sandbox image, continuing with local copy if present", "image", image, "error", err)
		}
	}

	nanoCPUs := s.cfg.CPUQuota * 10000 // quota is in 1e-5 CPU units, same scale docker uses for cpu-quota
	if s.cfg.CPUs > 0 {
		nanoCPUs = int64(s.cfg.CPUs * 1e9)
	}
	networkMode := s.cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		Resources: container.Resources{
			NanoCPUs:  nanoCPUs,
			Memory:    s.cfg.MemoryMB * 1024 * 1024,
			PidsLimit: &s.cfg.PidsLimit,
		},
		Binds: []string{
			fmt.Sprintf("%s:/workspace/submission:ro", ws.SubmissionDir),
			fmt.Sprintf("%s:/workspace/judge:ro", ws.JudgeDir),
			fmt.Sprintf("%s:/workspace/eval_runner.py:ro", runnerHostPath),
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	containerCfg := &container.Config{
		Image:      image,
		Cmd:        []string{"python", "/workspace/eval_runner.py"},
		WorkingDir: "/workspace",
		Env: []string{
			"OMP_NUM_THREADS=1",
			"OPENBLAS_NUM_THREADS=1",
			"MKL_NUM_THREADS=1",
			"NUMEXPR_NUM_THREADS=1",
			"VECLIB_MAXIMUM_THREADS=1",
			"MALLOC_ARENA_MAX=2",
		},
	}
	switch {
	case s.cfg.User != "":
		containerCfg.User = s.cfg.User
	case s.cfg.RunAsUID > 0:
		containerCfg.User = fmt.Sprintf("%d", s.cfg.RunAsUID)
	}

	resp, err := cli.ContainerCreate(runCtx, containerCfg, hostConfig, nil, nil, "")
	if err != nil {
		return Result{
			Status: StatusError,
			Logs:   fmt.Sprintf("failed to create sandbox container: %v", err),
		}, nil
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cli.ContainerRemove(removeCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			s.logger.Warn("failed to force-remove sandbox container", "container_id", containerID, "error", err)
		}
	}()

	if err := cli.ContainerStart(runCtx, containerID, types.ContainerStartOptions{}); err != nil {
		return Result{
			Status: StatusError,
			Logs:   fmt.Sprintf("failed to start sandbox container: %v", err),
		}, nil
	}

	statusCh, errCh := cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	var timedOut bool
	select {
	case err := <-errCh:
		if err != nil && runCtx.Err() == context.DeadlineExceeded {
			timedOut = true
		} else if err != nil {
			return Result{Status: StatusError, Logs: fmt.Sprintf("error waiting for sandbox container: %v", err)}, nil
		}
	case res := <-statusCh:
		exitCode = int(res.StatusCode)
	case <-runCtx.Done():
		timedOut = true
	}

	logsReader, err := cli.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	var stdout []byte
	if err == nil {
		defer logsReader.Close()
		stdout, _ = io.ReadAll(logsReader)
	}

	demuxed := []byte(cleanDockerLogStream(stdout))

	if timedOut {
		return Result{
			Status: StatusError,
			Logs:   fmt.Sprintf("sandbox exceeded its time budget. Logs:\n%s", demuxed),
		}, nil
	}

	return resultparser.Parse(demuxed, nil, exitCode, false), nil
}

// Probe implements sandbox.Prober for the /debug/sandbox endpoint: it
// pings the Docker daemon rather than starting a throwaway container,
// since that's all the endpoint needs to answer "is this backend usable".
func (s *ContainerSandbox) Probe(ctx context.Context) (bool, string) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false, fmt.Sprintf("docker client: %v", err)
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return false, fmt.Sprintf("docker daemon unreachable: %v", err)
	}
	return true, "docker daemon reachable"
}

// pullImage pre-pulls image when DOCKER_PULL is enabled, so the first
// evaluation after a deploy doesn't pay the pull latency inside the
// sandbox timeout budget.
func (s *ContainerSandbox) pullImage(ctx context.Context, cli *client.Client, image string) error {
	reader, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// resolveImage implements the DOCKER_IMAGE=self rule: prefer the image of
// the currently-running container (so the evaluator ships its own sandbox
// image), then a one-time host-side build of the service's own Dockerfile
// when that is enabled, then fall back to a known-good default.
func (s *ContainerSandbox) resolveImage(ctx context.Context, cli *client.Client) string {
	if !strings.EqualFold(strings.TrimSpace(s.cfg.Image), "self") {
		return s.cfg.Image
	}

	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		if info, err := cli.ContainerInspect(ctx, hostname); err == nil && info.Image != "" {
			return info.Image
		}
	}

	if s.cfg.SelfBuildOnHost {
		tag, err := s.buildSelfImage(ctx, cli)
		if err == nil {
			return tag
		}
		s.logger.Warn("failed to build self image on host", "error", err)
	}

	s.logger.Warn("could not resolve self image, falling back to default", "fallback", defaultFallbackImage)
	return defaultFallbackImage
}

// buildSelfImage builds the evaluator's own image from the configured build
// context and Dockerfile, returning the tag it was built under. The first
// evaluation after a deploy pays the build; later ones hit the daemon's
// layer cache for the same tag.
func (s *ContainerSandbox) buildSelfImage(ctx context.Context, cli *client.Client) (string, error) {
	buildCtx, err := tarDirectory(s.cfg.SelfContext)
	if err != nil {
		return "", fmt.Errorf("tar build context %s: %w", s.cfg.SelfContext, err)
	}
	defer buildCtx.Close()

	s.logger.Info("building self image on host",
		"context", s.cfg.SelfContext, "dockerfile", s.cfg.SelfDockerfile, "tag", s.cfg.SelfTag)

	resp, err := cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Dockerfile:  s.cfg.SelfDockerfile,
		Tags:        []string{s.cfg.SelfTag},
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
	})
	if err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildStream(resp.Body); err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	return s.cfg.SelfTag, nil
}

// drainBuildStream consumes the daemon's JSON-message build stream; build
// failures surface mid-stream as records with an "error" field rather than
// as an HTTP error on the ImageBuild call itself.
func drainBuildStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

// tarDirectory streams dir as an uncompressed tar for use as a docker build
// context, preserving modes and symlink targets with slash-separated
// archive-relative names.
func tarDirectory(dir string) (io.ReadCloser, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}

			link := ""
			if info.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// cleanDockerLogStream strips the 8-byte multiplexed-stream header Docker's
// raw log API prepends to each frame when TTY is disabled.
func cleanDockerLogStream(b []byte) string {
	var out bytes.Buffer
	for len(b) >= 8 {
		frameLen := int(b[4])<<24 | int(b[5])<<16 | int(b[6])<<8 | int(b[7])
		b = b[8:]
		if frameLen > len(b) {
			frameLen = len(b)
		}
		out.Write(b[:frameLen])
		b = b[frameLen:]
	}
	return out.String()
}

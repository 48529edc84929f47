// Command evaluateapp runs the submission evaluation service: HMAC-signed
// ingress, bounded-concurrency admission, sandboxed grading, and a signed
// callback delivered back to the caller.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/joho/godotenv"

	"github.com/ocx/evaluateapp/internal/admission"
	"github.com/ocx/evaluateapp/internal/callback"
	"github.com/ocx/evaluateapp/internal/config"
	"github.com/ocx/evaluateapp/internal/evaluator"
	"github.com/ocx/evaluateapp/internal/ingress"
	"github.com/ocx/evaluateapp/internal/metrics"
	"github.com/ocx/evaluateapp/internal/sandbox"
)

func main() {
	// Dispatches to jailinit.main when re-exec'd from inside a chroot
	// jail (every chroot evaluation re-execs through jailinit to apply
	// rlimits, and optionally seccomp, on the child side of fork); returns
	// false on the normal server path. Must run before any other
	// initialization.
	if reexec.Init() {
		return
	}

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on process environment")
	}

	cfg := config.Get()
	if cfg.Security.SharedSecret == "" {
		log.Fatal("SHARED_SECRET is not configured; refusing to start")
	}

	m := metrics.New()
	admissionController := admission.New(cfg.Admission.MaxConcurrent)
	cb := callback.New(cfg.Security.SharedSecret, time.Duration(cfg.Callback.TimeoutSec)*time.Second)

	runner := buildSandbox(cfg)
	ev := evaluator.New(admissionController, runner, cb, cfg, m)
	ing := ingress.New(cfg, ev, m)

	httpServer := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      ing.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-sigChan
		slog.Info("shutdown signal received, draining in-flight evaluations")

		// Stop admitting new work immediately; in-flight evaluations are
		// allowed to run to completion, bounded by the sandbox timeout.
		admissionController.Shutdown()
		ing.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}

		// Wait for evaluations holding a slot, up to the evaluator's own
		// sandbox bound plus the callback timeout.
		deadline := time.Now().Add(time.Duration(cfg.Sandbox.TimeoutSec+30+cfg.Callback.TimeoutSec) * time.Second)
		for admissionController.InFlight() > 0 && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	}()

	slog.Info("EvaluateApp starting", "port", cfg.GetPort(), "sandbox_backend", cfg.Sandbox.Backend, "max_concurrent", cfg.Admission.MaxConcurrent)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	<-drained
	slog.Info("EvaluateApp stopped")
}

// buildSandbox selects the configured sandbox backend. Matching is
// case-insensitive against the documented CHROOT|DOCKER tokens; an
// unrecognized value falls back to the chroot backend and logs a warning
// rather than refusing to start, the same tolerant-default posture
// internal/config takes elsewhere.
func buildSandbox(cfg *config.Config) sandbox.Runner {
	wallTimeout := time.Duration(cfg.Sandbox.TimeoutSec) * time.Second
	switch strings.ToUpper(strings.TrimSpace(cfg.Sandbox.Backend)) {
	case "DOCKER", "CONTAINER":
		return sandbox.NewContainerSandbox(cfg.Sandbox.Container, wallTimeout)
	case "CHROOT", "":
		return sandbox.NewChrootSandbox(cfg.Sandbox.Chroot, wallTimeout)
	default:
		slog.Warn("unrecognized SANDBOX_BACKEND, defaulting to chroot", "configured", cfg.Sandbox.Backend)
		return sandbox.NewChrootSandbox(cfg.Sandbox.Chroot, wallTimeout)
	}
}

package evaluator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/evaluateapp/internal/admission"
	"github.com/ocx/evaluateapp/internal/callback"
	"github.com/ocx/evaluateapp/internal/config"
	"github.com/ocx/evaluateapp/internal/metrics"
	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/workspace"
)

var (
	testMetrics     *metrics.Metrics
	testMetricsOnce sync.Once
)

// sharedMetrics returns one process-wide Metrics instance: promauto
// registers against the global Prometheus registry, so constructing it
// more than once per test binary would panic on duplicate registration.
func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.New()
	})
	return testMetrics
}

func testConfig(t *testing.T, callbackTimeout time.Duration) *config.Config {
	return &config.Config{
		Admission: config.AdmissionConfig{MaxConcurrent: 4},
		Archive: config.ArchiveConfig{
			MaxMemberSizeBytes: 1 << 20,
			MaxTotalSizeBytes:  10 << 20,
		},
		Sandbox: config.SandboxConfig{
			Backend:     "fake",
			TimeoutSec:  5,
			BaseWorkDir: t.TempDir(),
		},
		Callback: config.CallbackConfig{
			TimeoutSec: int(callbackTimeout.Seconds()),
		},
	}
}

type fakeRunner struct {
	result Result
	err    error
	called chan struct{}
}

type Result = resultparser.Result

func newFakeRunner(result Result, err error) *fakeRunner {
	return &fakeRunner{result: result, err: err, called: make(chan struct{}, 1)}
}

func (f *fakeRunner) Run(ctx context.Context, ws *workspace.Workspace, submissionID string) (Result, error) {
	f.called <- struct{}{}
	return f.result, f.err
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestEvaluate_HappyPathDeliversCallback(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, 5*time.Second)
	ac := admission.New(cfg.Admission.MaxConcurrent)
	runner := newFakeRunner(Result{Status: resultparser.StatusCompleted, Score: 90, Logs: "ok"}, nil)
	cb := callback.New("secret", 5*time.Second)
	ev := New(ac, runner, cb, cfg, sharedMetrics())

	req := Request{
		SubmissionID:  "sub-1",
		SubmissionZip: buildZip(t, map[string]string{"main.py": "print(1)"}),
		JudgeZip:      buildZip(t, map[string]string{"judge.py": "def evaluate(**kw): return {}"}),
		CallbackURL:   srv.URL,
	}

	ev.Evaluate(context.Background(), req)

	select {
	case <-runner.called:
	default:
		t.Fatal("sandbox runner was never invoked")
	}
	assert.Contains(t, gotBody, "sub-1")
	assert.Equal(t, 0, ac.InFlight())
}

func TestEvaluate_MalformedSubmissionArchiveSkipsSandboxAndStillDeliversError(t *testing.T) {
	delivered := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		delivered <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, 5*time.Second)
	ac := admission.New(cfg.Admission.MaxConcurrent)
	runner := newFakeRunner(Result{Status: resultparser.StatusCompleted}, nil)
	cb := callback.New("secret", 5*time.Second)
	ev := New(ac, runner, cb, cfg, sharedMetrics())

	req := Request{
		SubmissionID:  "sub-2",
		SubmissionZip: buildZip(t, map[string]string{"/etc/passwd": "oops"}),
		JudgeZip:      buildZip(t, map[string]string{"judge.py": "x"}),
		CallbackURL:   srv.URL,
	}

	ev.Evaluate(context.Background(), req)

	select {
	case body := <-delivered:
		assert.Contains(t, body, "ERROR")
	case <-time.After(time.Second):
		t.Fatal("callback was never delivered")
	}

	select {
	case <-runner.called:
		t.Fatal("sandbox should not have been invoked for a rejected archive")
	default:
	}
}

func TestEvaluate_SandboxInfrastructureErrorStillDeliversErrorResult(t *testing.T) {
	delivered := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		delivered <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, 5*time.Second)
	ac := admission.New(cfg.Admission.MaxConcurrent)
	runner := newFakeRunner(Result{}, errors.New("docker daemon unreachable"))
	cb := callback.New("secret", 5*time.Second)
	ev := New(ac, runner, cb, cfg, sharedMetrics())

	req := Request{
		SubmissionID:  "sub-3",
		SubmissionZip: buildZip(t, map[string]string{"main.py": "x"}),
		JudgeZip:      buildZip(t, map[string]string{"judge.py": "x"}),
		CallbackURL:   srv.URL,
	}

	ev.Evaluate(context.Background(), req)

	select {
	case body := <-delivered:
		assert.Contains(t, body, "ERROR")
	case <-time.After(time.Second):
		t.Fatal("callback was never delivered")
	}
}

func TestEvaluate_ReleasesAdmissionSlotEvenOnPanic(t *testing.T) {
	cfg := testConfig(t, 5*time.Second)
	ac := admission.New(1)
	runner := panicRunner{}
	cb := callback.New("secret", 5*time.Second)
	ev := New(ac, runner, cb, cfg, sharedMetrics())

	req := Request{
		SubmissionID:  "sub-4",
		SubmissionZip: buildZip(t, map[string]string{"main.py": "x"}),
		JudgeZip:      buildZip(t, map[string]string{"judge.py": "x"}),
		CallbackURL:   "http://127.0.0.1:1",
	}

	ev.Evaluate(context.Background(), req)

	require.NoError(t, ac.Acquire(context.Background()))
	ac.Release()
}

type panicRunner struct{}

func (panicRunner) Run(ctx context.Context, ws *workspace.Workspace, submissionID string) (Result, error) {
	panic("simulated backend crash")
}

// Package callback delivers a finished evaluation result to the caller's
// callback URL via a single signed HTTP POST. It never retries — the
// caller is authoritative and is expected to poll or reconcile on failure.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/signing"
)

// Payload is the Evaluation Result merged with the submission identity,
// canonicalized (sorted keys, compact separators) before signing.
type Payload struct {
	SubmissionID string  `json:"submissionId"`
	Status       string  `json:"status"`
	Score        float64 `json:"score"`
	Logs         string  `json:"logs"`
}

// Dispatcher signs and POSTs evaluation results to callback URLs. It
// carries no worker pool or retry queue: delivery happens inline, once,
// on the calling goroutine, since every submission gets exactly one
// callback attempt.
type Dispatcher struct {
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Dispatcher signing with secret and bounding each POST to timeout.
func New(secret string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "callback"),
	}
}

// Outcome classifies how a Deliver call ended, for metrics and logging.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeNon2xx    Outcome = "non_2xx"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
)

// Deliver builds the signed payload and POSTs it to url. It logs success
// or failure and never returns an error the caller must act on — the
// evaluation is considered complete the moment Deliver returns, whether
// the callback lands or not.
func (d *Dispatcher) Deliver(ctx context.Context, url, submissionID string, result resultparser.Result) Outcome {
	payload := Payload{
		SubmissionID: submissionID,
		Status:       string(result.Status),
		Score:        result.Score,
		Logs:         result.Logs,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to marshal callback payload", "submission_id", submissionID, "error", err)
		return OutcomeError
	}

	contentHash, err := signing.ContentHashOf(payload)
	if err != nil {
		d.logger.Error("failed to compute callback content hash", "submission_id", submissionID, "error", err)
		return OutcomeError
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signing.Sign(d.secret, timestamp, contentHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("failed to build callback request", "submission_id", submissionID, "url", url, "error", err)
		return OutcomeError
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Sign", sig)
	req.Header.Set("X-Content-Hash", contentHash)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == context.DeadlineExceeded || errors.As(err, &netErr) && netErr.Timeout() {
			d.logger.Error("callback timed out", "submission_id", submissionID, "url", url)
			return OutcomeTimeout
		}
		d.logger.Error("callback connection failed", "submission_id", submissionID, "url", url, "error", err)
		return OutcomeError
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.logger.Info("callback delivered", "submission_id", submissionID, "url", url, "status", resp.StatusCode)
		return OutcomeDelivered
	}
	d.logger.Warn("callback returned non-2xx, not retrying", "submission_id", submissionID, "url", url, "status", resp.StatusCode)
	return OutcomeNon2xx
}

// FormatErrorResult builds an ERROR result carrying msg for cases the
// evaluator synthesizes before the sandbox ever runs (auth already
// rejected the request separately; this covers InputError/SandboxError).
func FormatErrorResult(msg string) resultparser.Result {
	return resultparser.Result{
		Status: resultparser.StatusError,
		Score:  0,
		Logs:   msg,
	}
}

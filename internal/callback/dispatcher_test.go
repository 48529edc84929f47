package callback

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/signing"
)

func TestDeliver_SignsAndDeliversSuccessfully(t *testing.T) {
	var gotTimestamp, gotSig, gotHash string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimestamp = r.Header.Get("X-Timestamp")
		gotSig = r.Header.Get("X-Sign")
		gotHash = r.Header.Get("X-Content-Hash")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New("secret", 5*time.Second)
	result := resultparser.Result{Status: resultparser.StatusCompleted, Score: 88, Logs: "ok"}

	outcome := d.Deliver(context.Background(), srv.URL, "sub-42", result)

	assert.Equal(t, OutcomeDelivered, outcome)
	require.NotEmpty(t, gotTimestamp)
	require.NotEmpty(t, gotSig)
	require.NotEmpty(t, gotHash)
	assert.Contains(t, string(gotBody), "sub-42")

	expectedSig := signing.Sign("secret", gotTimestamp, gotHash)
	assert.Equal(t, expectedSig, gotSig)
}

func TestDeliver_Non2xxIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New("secret", 5*time.Second)
	outcome := d.Deliver(context.Background(), srv.URL, "sub-1", resultparser.Result{Status: resultparser.StatusError})

	assert.Equal(t, OutcomeNon2xx, outcome)
	assert.Equal(t, 1, calls)
}

func TestDeliver_TimeoutClassifiedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New("secret", 10*time.Millisecond)
	outcome := d.Deliver(context.Background(), srv.URL, "sub-1", resultparser.Result{Status: resultparser.StatusCompleted})

	assert.Equal(t, OutcomeTimeout, outcome)
}

func TestDeliver_ConnectionFailureIsError(t *testing.T) {
	d := New("secret", time.Second)
	outcome := d.Deliver(context.Background(), "http://127.0.0.1:1", "sub-1", resultparser.Result{Status: resultparser.StatusCompleted})
	assert.Equal(t, OutcomeError, outcome)
}

func TestFormatErrorResult_CarriesMessage(t *testing.T) {
	r := FormatErrorResult("workspace expand failed: zip slip detected")
	assert.Equal(t, resultparser.StatusError, r.Status)
	assert.Equal(t, float64(0), r.Score)
	assert.Contains(t, r.Logs, "zip slip detected")
}

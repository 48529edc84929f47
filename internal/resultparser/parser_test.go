package resultparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_HappyPath(t *testing.T) {
	stdout := []byte(`{"status":"COMPLETED","score":42.5,"logs":"ok\n[judge stdout]:\n[judge stderr]:\n"}` + "\n")
	r := Parse(stdout, nil, 0, false)

	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, 42.5, r.Score)
	assert.Equal(t, "ok\n[judge stdout]:\n[judge stderr]:\n", r.Logs)
}

func TestParse_NoiseBeforeFinalLineWins(t *testing.T) {
	stdout := []byte("warming up...\n" + `{"status":"COMPLETED","score":10,"logs":""}` + "\n")
	r := Parse(stdout, nil, 0, false)

	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, float64(10), r.Score)
}

func TestParse_LastWellFormedLineWinsOverEarlierOnes(t *testing.T) {
	stdout := []byte(
		`{"status":"COMPLETED","score":1,"logs":"first"}` + "\n" +
			`{"status":"COMPLETED","score":2,"logs":"second"}` + "\n",
	)
	r := Parse(stdout, nil, 0, false)
	assert.Equal(t, float64(2), r.Score)
	assert.Equal(t, "second", r.Logs)
}

func TestParse_GraderRaised(t *testing.T) {
	stdout := []byte(`{"status":"ERROR","score":0.0,"logs":"ValueError: bad\nTraceback ..."}` + "\n")
	r := Parse(stdout, nil, 0, false)

	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, float64(0), r.Score)
	assert.Contains(t, r.Logs, "ValueError: bad")
}

func TestParse_Timeout(t *testing.T) {
	r := Parse([]byte("still running...\n"), []byte(""), 0, true)

	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, float64(0), r.Score)
	assert.Contains(t, r.Logs, "timed out")
}

func TestParse_NonZeroExitWithoutJSONLine(t *testing.T) {
	r := Parse([]byte("segfault\n"), []byte("core dumped"), 139, false)

	assert.Equal(t, StatusError, r.Status)
	assert.Contains(t, r.Logs, "sandbox exited with code 139")
	assert.Contains(t, r.Logs, "core dumped")
}

func TestParse_NoParseableLineEvenOnCleanExit(t *testing.T) {
	r := Parse([]byte("just some text, no json here\n"), nil, 0, false)

	assert.Equal(t, StatusError, r.Status)
	assert.Contains(t, r.Logs, "no result JSON found")
}

func TestParse_IgnoresLinesMissingRequiredKeys(t *testing.T) {
	stdout := []byte(
		`{"progress": 50}` + "\n" +
			`{"status":"COMPLETED","score":7,"logs":"done"}` + "\n",
	)
	r := Parse(stdout, nil, 0, false)
	assert.Equal(t, float64(7), r.Score)
}

func TestParse_NegativeScoreCoercedToZero(t *testing.T) {
	stdout := []byte(`{"status":"COMPLETED","score":-3,"logs":"weird"}` + "\n")
	r := Parse(stdout, nil, 0, false)
	assert.Equal(t, float64(0), r.Score)
}

func TestParse_WellFormedLineButNonZeroExitIsError(t *testing.T) {
	stdout := []byte(`{"status":"COMPLETED","score":5,"logs":"ok"}` + "\n")
	r := Parse(stdout, nil, 1, false)
	assert.Equal(t, StatusError, r.Status)
}

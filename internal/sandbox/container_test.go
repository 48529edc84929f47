package sandbox

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarDirectory_PreservesRelativeNamesAndContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docker"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker", "evaluateapp.Dockerfile"), []byte("FROM python:3.12-slim\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	rc, err := tarDirectory(dir)
	require.NoError(t, err)
	defer rc.Close()

	entries := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var content string
		if hdr.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			content = string(b)
		}
		entries[hdr.Name] = content
	}

	assert.Equal(t, "FROM python:3.12-slim\n", entries["docker/evaluateapp.Dockerfile"])
	assert.Equal(t, "package main\n", entries["main.go"])
	assert.Contains(t, entries, "docker")
}

func TestTarDirectory_MissingContextRejected(t *testing.T) {
	_, err := tarDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDrainBuildStream_CleanStream(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM python:3.12-slim"}` + "\n" +
		`{"stream":"Successfully tagged evaluateapp:self"}` + "\n"
	assert.NoError(t, drainBuildStream(strings.NewReader(stream)))
}

func TestDrainBuildStream_SurfacesMidStreamError(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM python:3.12-slim"}` + "\n" +
		`{"error":"The command '/bin/sh -c pip install' returned a non-zero code: 1"}` + "\n"
	err := drainBuildStream(strings.NewReader(stream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-zero code")
}

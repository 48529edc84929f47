package workspace

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestNew_CreatesSubmissionAndJudgeDirs(t *testing.T) {
	base := t.TempDir()
	ws, err := New(base)
	require.NoError(t, err)
	defer ws.Close()

	assert.DirExists(t, ws.SubmissionDir)
	assert.DirExists(t, ws.JudgeDir)
}

func TestClose_RemovesWorkspaceTree(t *testing.T) {
	base := t.TempDir()
	ws, err := New(base)
	require.NoError(t, err)

	require.NoError(t, ws.Close())
	_, statErr := os.Stat(ws.Root)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExpand_HappyPath(t *testing.T) {
	dest := t.TempDir()
	archive := buildZip(t, map[string]string{
		"judge.py":     "def evaluate(**kw): return {}",
		"data/fixture": "1,2,3",
	})

	err := Expand(archive, dest, 1<<20, 10<<20)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dest, "judge.py"))
	assert.FileExists(t, filepath.Join(dest, "data", "fixture"))
}

func TestExpand_RejectsAbsolutePath(t *testing.T) {
	dest := t.TempDir()
	archive := buildZip(t, map[string]string{"/etc/passwd": "root:x:0:0"})

	err := Expand(archive, dest, 1<<20, 10<<20)
	assert.ErrorIs(t, err, ErrAbsolutePath)
}

func TestExpand_RejectsZipSlip(t *testing.T) {
	dest := t.TempDir()
	archive := buildZip(t, map[string]string{"../../etc/passwd": "root:x:0:0"})

	err := Expand(archive, dest, 1<<20, 10<<20)
	assert.ErrorIs(t, err, ErrPathTraversal)

	// No file escaped the target directory.
	_, statErr := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dest)), "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExpand_RejectsOversizedMember(t *testing.T) {
	dest := t.TempDir()
	archive := buildZip(t, map[string]string{"big.bin": "0123456789"})

	err := Expand(archive, dest, 4, 10<<20)
	assert.ErrorIs(t, err, ErrMemberTooBig)
}

func TestExpand_RejectsDotDotComponentMidPath(t *testing.T) {
	dest := t.TempDir()
	archive := buildZip(t, map[string]string{"a/../../b": "x"})

	err := Expand(archive, dest, 1<<20, 10<<20)
	assert.ErrorIs(t, err, ErrPathTraversal)
}

// Package workspace manages the disposable per-evaluation directory tree
// and the safe expansion of untrusted submission/judge zip archives into it.
package workspace

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Errors returned by Expand are hard rejections — the caller maps these to
// a synthesized ERROR result, never an HTTP error, per the archive safety
// invariants.
var (
	ErrAbsolutePath  = errors.New("workspace: archive member has an absolute path")
	ErrPathTraversal = errors.New("workspace: archive member escapes the target directory")
	ErrSymlink       = errors.New("workspace: archive member is a symlink")
	ErrMemberTooBig  = errors.New("workspace: archive member exceeds the size limit")
	ErrArchiveTooBig = errors.New("workspace: archive exceeds the total size limit")
)

// Workspace is a disposable directory tree holding one evaluation's
// submission and judge material.
type Workspace struct {
	ID            string
	Root          string
	SubmissionDir string
	JudgeDir      string
}

// New creates a fresh workspace directory under baseDir.
func New(baseDir string) (*Workspace, error) {
	id := uuid.New().String()
	root := filepath.Join(baseDir, id)

	ws := &Workspace{
		ID:            id,
		Root:          root,
		SubmissionDir: filepath.Join(root, "submission"),
		JudgeDir:      filepath.Join(root, "judge"),
	}

	for _, dir := range []string{ws.SubmissionDir, ws.JudgeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}

	return ws, nil
}

// Close removes the entire workspace tree. Safe to call more than once.
func (w *Workspace) Close() error {
	if w == nil || w.Root == "" {
		return nil
	}
	return os.RemoveAll(w.Root)
}

// Expand safely extracts a zip archive's contents into destDir, enforcing:
// no absolute member paths, no path traversal (even after symlink-free
// resolution), no symlinks, and a per-member and total size cap.
func Expand(archiveBytes []byte, destDir string, maxMemberSize, maxTotalSize int64) error {
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return fmt.Errorf("workspace: open zip: %w", err)
	}

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("workspace: resolve dest dir: %w", err)
	}

	var totalWritten int64

	for _, f := range zr.File {
		if err := validateMemberName(f.Name); err != nil {
			return err
		}

		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrSymlink, f.Name)
		}

		targetPath := filepath.Join(absDest, filepath.FromSlash(f.Name))
		if !isWithin(absDest, targetPath) {
			return fmt.Errorf("%w: %s", ErrPathTraversal, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("workspace: mkdir %s: %w", targetPath, err)
			}
			continue
		}

		if int64(f.UncompressedSize64) > maxMemberSize {
			return fmt.Errorf("%w: %s (%d bytes)", ErrMemberTooBig, f.Name, f.UncompressedSize64)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("workspace: mkdir %s: %w", filepath.Dir(targetPath), err)
		}

		written, err := extractMember(f, targetPath, maxMemberSize, memberFileMode(f))
		if err != nil {
			return err
		}

		totalWritten += written
		if totalWritten > maxTotalSize {
			return ErrArchiveTooBig
		}
	}

	return nil
}

func validateMemberName(name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %s", ErrAbsolutePath, name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %s", ErrPathTraversal, name)
		}
	}
	return nil
}

// isWithin reports whether target is inside (or equal to) root after both
// are cleaned — the defense-in-depth check that catches anything
// validateMemberName's textual scan might have missed.
func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}

// memberFileMode recovers the regular-file mode recorded in the archive,
// masked to the low nine permission bits, falling back to 0644 when the
// archive carries no usable mode (e.g. a zero Unix mode from a non-Unix
// zip writer).
func memberFileMode(f *zip.File) os.FileMode {
	if mode := f.Mode().Perm(); mode != 0 {
		return mode & 0o777
	}
	return 0o644
}

func extractMember(f *zip.File, targetPath string, maxMemberSize int64, mode os.FileMode) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("workspace: open member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("workspace: create %s: %w", targetPath, err)
	}
	defer out.Close()

	limited := io.LimitReader(rc, maxMemberSize+1)
	written, err := io.Copy(out, limited)
	if err != nil {
		return written, fmt.Errorf("workspace: write %s: %w", targetPath, err)
	}
	if written > maxMemberSize {
		return written, fmt.Errorf("%w: %s", ErrMemberTooBig, f.Name)
	}
	return written, nil
}

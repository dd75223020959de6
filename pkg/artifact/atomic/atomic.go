// Package atomic writes byte blobs into a canonicalized root directory using
// temp-file-then-rename semantics, so readers never observe a partial file.
package atomic

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/idgen"
)

// ErrAlreadyExists is returned by Write when overwrite is false and the
// target already exists.
var ErrAlreadyExists = apperrors.New(apperrors.ErrorTypeConflict, "target already exists")

// Write writes data to target (an absolute path under root, or a path
// relative to root) atomically: it creates a temp file alongside target,
// writes and fsyncs it, then renames it into place. Symlinked targets and
// root escapes are rejected.
func Write(root, target string, data []byte, overwrite bool) error {
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	absTarget, err := idgen.EnsureWithinRoot(root, target)
	if err != nil {
		return err
	}

	if info, statErr := os.Lstat(absTarget); statErr == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return apperrors.NewGuardError(apperrors.CodeInvalidScope, "refusing to write through a symlink")
		}
		if !overwrite {
			return ErrAlreadyExists
		}
	}

	parent := filepath.Dir(absTarget)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return apperrors.WrapOpf(err, "create parent directory %q", parent)
	}

	tmp, err := os.CreateTemp(parent, ".tmp-*")
	if err != nil {
		return apperrors.WrapOpf(err, "create temp file in %q", parent)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.WrapOpf(err, "write temp file %q", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.WrapOpf(err, "fsync temp file %q", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperrors.WrapOpf(err, "close temp file %q", tmpPath)
	}

	if overwrite {
		os.Remove(absTarget)
	}

	if err := os.Rename(tmpPath, absTarget); err != nil {
		os.Remove(tmpPath)
		return apperrors.WrapOpf(err, "rename %q to %q", tmpPath, absTarget)
	}

	if dir, err := os.Open(parent); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// WriteTree walks tree (relative path -> bytes) in lexicographic key order
// and calls Write for each entry under root/prefix.
func WriteTree(root, prefix string, tree map[string][]byte, overwrite bool) error {
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		relPath, err := idgen.NormalizeRelPath(p)
		if err != nil {
			return err
		}
		target := filepath.Join(prefix, relPath)
		if err := Write(root, target, tree[p], overwrite); err != nil {
			return fmt.Errorf("write tree entry %q: %w", p, err)
		}
	}
	return nil
}

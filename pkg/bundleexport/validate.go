package bundleexport

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/bundleindex"
	"github.com/handshake-core/handshake/pkg/idgen"
)

// ValidateDirectory checks a materialized bundle-<bundle_id> directory
// against its own manifest and index: the manifest's bundle_hash must equal
// the sha256 of bundle_index.json, the index must be sorted, every indexed
// file must match its recorded hash and size, the on-disk file set must
// match the index exactly, and job.json or jobs.json must be present.
func ValidateDirectory(dir string) error {
	files := map[string][]byte{}
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return apperrors.NewGuardError(apperrors.CodeInvalidScope, "symlinks are not permitted in bundle directories")
		}
		if fi.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "enumerate bundle directory").WithCode(apperrors.CodeIO)
	}
	return validateFiles(files, true)
}

// ValidateZip runs the zip-form subset of the bundle checks: index hash,
// per-file hash and size, file-set match, and job.json/jobs.json presence.
// Unlike ValidateDirectory it does not re-assert index ordering — the zip
// is only ever produced from an already-sorted index.
func ValidateZip(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "open bundle zip").WithCode(apperrors.CodeZip)
	}
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "open zip entry %q", f.Name).WithCode(apperrors.CodeZip)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "read zip entry %q", f.Name).WithCode(apperrors.CodeZip)
		}
		files[f.Name] = content
	}
	return validateFiles(files, false)
}

func validateFiles(files map[string][]byte, enforceOrdering bool) error {
	manifestBytes, ok := files["bundle_manifest.json"]
	if !ok {
		return apperrors.NewNotFoundError("bundle_manifest.json")
	}
	indexBytes, ok := files["bundle_index.json"]
	if !ok {
		return apperrors.NewNotFoundError("bundle_index.json")
	}

	var bm BundleManifest
	if err := json.Unmarshal(manifestBytes, &bm); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "parse bundle_manifest.json").WithCode(apperrors.CodeValidation)
	}

	if got := idgen.SHA256Hex(indexBytes); got != bm.BundleHash {
		return apperrors.NewValidationError(
			fmt.Sprintf("bundle_hash mismatch: manifest says %s, index hashes to %s", bm.BundleHash, got)).
			WithCode(apperrors.CodeValidation)
	}

	var entries []bundleindex.Entry
	if err := json.Unmarshal(indexBytes, &entries); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "parse bundle_index.json").WithCode(apperrors.CodeValidation)
	}

	if enforceOrdering {
		for i := 1; i < len(entries); i++ {
			if entries[i-1].Path >= entries[i].Path {
				return apperrors.NewValidationError(
					fmt.Sprintf("bundle index is not strictly sorted at %q", entries[i].Path)).
					WithCode(apperrors.CodeValidation)
			}
		}
	}

	indexed := make(map[string]bool, len(entries))
	for _, e := range entries {
		indexed[e.Path] = true
		content, ok := files[e.Path]
		if !ok {
			return apperrors.NewNotFoundError(e.Path)
		}
		if int64(len(content)) != e.SizeBytes {
			return apperrors.NewValidationError(
				fmt.Sprintf("size mismatch for %q: index says %d, file has %d bytes", e.Path, e.SizeBytes, len(content))).
				WithCode(apperrors.CodeValidation)
		}
		if got := idgen.SHA256Hex(content); got != e.ContentHash {
			return apperrors.NewValidationError(
				fmt.Sprintf("content hash mismatch for %q", e.Path)).
				WithCode(apperrors.CodeValidation)
		}
	}

	for p := range files {
		if hashExcludePaths[p] {
			continue
		}
		if !indexed[p] {
			return apperrors.NewValidationError(
				fmt.Sprintf("file %q is present but not indexed", p)).
				WithCode(apperrors.CodeValidation)
		}
	}

	if _, hasJobs := files["jobs.json"]; !hasJobs {
		if _, hasJob := files["job.json"]; !hasJob {
			return apperrors.NewNotFoundError("jobs.json or job.json")
		}
	}

	return nil
}

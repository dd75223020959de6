// Package bundleindex builds the canonical, byte-stable "bundle index" used
// by both the artifact manifest store (directory-payload hashing) and the
// bundle exporter: a sorted list of {path, content_hash, size_bytes}
// entries, serialized deterministically so its SHA-256 only depends on the
// included files' paths and bytes.
package bundleindex

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/handshake-core/handshake/pkg/idgen"
)

// Entry is one file's contribution to a bundle index.
type Entry struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
}

// RawEntry is an uninterpreted (path, bytes) pair fed into Build.
type RawEntry struct {
	RelPath string
	Bytes   []byte
}

// Build normalizes and validates every entry's path, accumulates total size
// across all entries (excluded or not), and returns the sorted index of
// non-excluded entries plus the total size.
func Build(entries []RawEntry, exclude map[string]bool) ([]Entry, int64, error) {
	var totalSize int64
	var out []Entry

	for _, e := range entries {
		relPath, err := idgen.NormalizeRelPath(e.RelPath)
		if err != nil {
			return nil, 0, err
		}
		totalSize += int64(len(e.Bytes))
		if exclude[relPath] {
			continue
		}
		out = append(out, Entry{
			Path:        relPath,
			ContentHash: idgen.SHA256Hex(e.Bytes),
			SizeBytes:   int64(len(e.Bytes)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, totalSize, nil
}

// CanonicalJSON serializes entries as compact JSON with no extraneous
// whitespace and no trailing newline, so the same sorted entry set always
// produces byte-identical output.
func CanonicalJSON(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; strip it for a
	// byte-stable, newline-free canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the sha256 hex digest of entries' canonical JSON form — the
// bundle_hash per spec.
func Hash(entries []Entry) (string, error) {
	data, err := CanonicalJSON(entries)
	if err != nil {
		return "", err
	}
	return idgen.SHA256Hex(data), nil
}

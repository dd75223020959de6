package atomic

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWrite_CreatesFile(t *testing.T) {
	root := t.TempDir()

	if err := Write(root, filepath.Join(root, "bronze", "abc"), []byte("hello"), false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "bronze", "abc"))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want %q", data, "hello")
	}
}

func TestWrite_NoOverwriteFailsIfExists(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a")

	if err := Write(root, target, []byte("v1"), false); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := Write(root, target, []byte("v2"), false); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	data, _ := os.ReadFile(target)
	if string(data) != "v1" {
		t.Errorf("content changed after rejected overwrite: %q", data)
	}
}

func TestWrite_OverwriteReplacesContent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a")

	if err := Write(root, target, []byte("v1"), false); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := Write(root, target, []byte("v2"), true); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	data, _ := os.ReadFile(target)
	if string(data) != "v2" {
		t.Errorf("content = %q, want v2", data)
	}
}

func TestWrite_RejectsRootEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(root, "..", "escaped")

	if err := Write(root, outside, []byte("x"), false); err == nil {
		t.Error("expected error for root escape")
	}
}

func TestWrite_NoTempFileLeftBehindOnSuccess(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "sub", "a")

	if err := Write(root, target, []byte("hello"), false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "sub"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a" {
		t.Errorf("expected only target file in directory, got %v", entries)
	}
}

func TestWriteTree_LexicographicOrderAndContents(t *testing.T) {
	root := t.TempDir()
	tree := map[string][]byte{
		"b.txt": []byte("B"),
		"a.txt": []byte("A"),
		"c/d.txt": []byte("D"),
	}

	if err := WriteTree(root, "payload", tree, false); err != nil {
		t.Fatalf("WriteTree failed: %v", err)
	}

	for rel, want := range tree {
		got, err := os.ReadFile(filepath.Join(root, "payload", rel))
		if err != nil {
			t.Fatalf("read %q failed: %v", rel, err)
		}
		if string(got) != string(want) {
			t.Errorf("content of %q = %q, want %q", rel, got, want)
		}
	}
}

package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"neurorec/internal/fileutil"
)

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.meta")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fileutil.WriteFileAtomic(path, []byte("new=1\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new=1\n" {
		t.Fatalf("unexpected content %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleanup, found %d entries", len(entries))
	}
}

func TestSHA1File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, n, err := fileutil.SHA1File(path)
	if err != nil {
		t.Fatalf("SHA1File: %v", err)
	}
	if n != 3 || sum != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("unexpected digest %s (%d bytes)", sum, n)
	}
}

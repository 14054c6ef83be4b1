package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/binshare/binshare/internal/protocol"
)

func setupTestFileStore(t *testing.T) (*FileStore, string) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	t.Cleanup(fs.Close)
	return fs, dir
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs, _ := setupTestFileStore(t)

	branch := protocol.Branch{UUID: "u1", RepoHash: "abc", Bits: 64}
	content := bytes.Repeat([]byte("IDA database section "), 1024)

	if err := fs.Write(branch, content); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := fs.Read(branch)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestFileStoreCompressesAtRest(t *testing.T) {
	fs, dir := setupTestFileStore(t)

	branch := protocol.Branch{UUID: "u1", RepoHash: "abc", Bits: 64}
	content := bytes.Repeat([]byte("repetitive"), 10000)

	if err := fs.Write(branch, content); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "u1.i64.zst"))
	if err != nil {
		t.Fatalf("expected blob at u1.i64.zst: %v", err)
	}
	if info.Size() >= int64(len(content)) {
		t.Errorf("stored blob (%d bytes) should be smaller than content (%d bytes)", info.Size(), len(content))
	}
}

func TestFileStoreExtensionByBits(t *testing.T) {
	fs, dir := setupTestFileStore(t)

	if err := fs.Write(protocol.Branch{UUID: "u64", Bits: 64}, []byte("x")); err != nil {
		t.Fatalf("64-bit write failed: %v", err)
	}
	if err := fs.Write(protocol.Branch{UUID: "u32", Bits: 32}, []byte("x")); err != nil {
		t.Fatalf("32-bit write failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "u64.i64.zst")); err != nil {
		t.Errorf("expected u64.i64.zst: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "u32.idb.zst")); err != nil {
		t.Errorf("expected u32.idb.zst: %v", err)
	}
}

func TestFileStoreReadMissing(t *testing.T) {
	fs, _ := setupTestFileStore(t)

	_, err := fs.Read(protocol.Branch{UUID: "never-uploaded", Bits: 64})
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	fs, _ := setupTestFileStore(t)

	branch := protocol.Branch{UUID: "u1", Bits: 64}
	if err := fs.Write(branch, []byte("first version")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := fs.Write(branch, []byte("second version")); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	got, err := fs.Read(branch)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "second version" {
		t.Errorf("expected last writer to win, got %q", got)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	fs, dir := setupTestFileStore(t)

	branch := protocol.Branch{UUID: "u1", Bits: 64}
	for i := 0; i < 5; i++ {
		if err := fs.Write(branch, bytes.Repeat([]byte{byte(i)}, 4096)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".upload-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

package capture

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDiskStore_Provision_layout(t *testing.T) {
	root := t.TempDir()
	store := NewDiskStore(root, ".webm", "mp4")
	s := newSession("0123456789abcdef", "alice", time.Now())

	if err := store.Provision(s); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if want := filepath.Join(root, "alice", "0123456789abcdef"); s.Dir != want {
		t.Errorf("Dir = %s, want %s", s.Dir, want)
	}
	for _, dir := range []string{s.ChunkDir, s.FinalDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}

	info, err := ReadMetadata(s.Dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if info.ID != s.ID || info.State != StateActive || info.Owner != "alice" {
		t.Errorf("unexpected metadata: %+v", info)
	}

	if got := store.RecordingPath(s); got != filepath.Join(s.FinalDir, "session_01234567.mp4") {
		t.Errorf("RecordingPath = %s", got)
	}
}

func TestDiskStore_Provision_never_reuses_directory(t *testing.T) {
	store := NewDiskStore(t.TempDir(), "webm", "mp4")
	first := newSession("same-id", "alice", time.Now())
	if err := store.Provision(first); err != nil {
		t.Fatal(err)
	}
	second := newSession("same-id", "alice", time.Now())
	if err := store.Provision(second); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestDiskStore_RestoreMetadata(t *testing.T) {
	root := t.TempDir()
	store := NewDiskStore(root, "webm", "mp4")
	s := newSession("abandoned-1", "alice", time.Now())
	if err := store.Provision(s); err != nil {
		t.Fatal(err)
	}

	info := s.Info()
	info.State = StateFailed
	info.Reason = CloseShutdown
	info.Ungraceful = true
	if err := store.RestoreMetadata(info); err != nil {
		t.Fatalf("RestoreMetadata: %v", err)
	}
	got, err := ReadMetadata(s.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.Reason != CloseShutdown || !got.Ungraceful {
		t.Errorf("metadata not rewritten: %+v", got)
	}

	outside := info
	outside.Dir = t.TempDir()
	if err := store.RestoreMetadata(outside); err == nil {
		t.Error("expected refusal for a directory outside the store root")
	}
	if _, err := os.Stat(filepath.Join(outside.Dir, metadataFile)); !os.IsNotExist(err) {
		t.Errorf("metadata written outside root: %v", err)
	}

	gone := info
	gone.Dir = filepath.Join(root, "alice", "never-provisioned")
	if err := store.RestoreMetadata(gone); err == nil {
		t.Error("expected error for a missing session directory")
	}
}

func TestDiskStore_WriteChunk(t *testing.T) {
	store := NewDiskStore(t.TempDir(), "webm", "mp4")
	s := newSession("abc", "alice", time.Now())
	if err := store.Provision(s); err != nil {
		t.Fatal(err)
	}

	path, err := store.WriteChunk(s, 7, []byte("payload"))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if filepath.Base(path) != "chunk_000007.webm" {
		t.Errorf("chunk name = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "payload" {
		t.Errorf("chunk content = %q, err %v", data, err)
	}

	entries, _ := os.ReadDir(s.ChunkDir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSafeSegment(t *testing.T) {
	cases := map[string]string{
		"alice":         "alice",
		"bob@example":   "bob@example",
		"../etc":        ".._etc",
		"..":            "_",
		"":              "_",
		"a b/c":         "a_b_c",
		"  padded  ":    "padded",
		"émile":         "_mile",
		"chunk_000.log": "chunk_000.log",
	}
	for in, want := range cases {
		if got := safeSegment(in); got != want {
			t.Errorf("safeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	chunkSubdir  = "chunks"
	finalSubdir  = "final"
	metadataFile = "metadata.json"
)

// ChunkStore is the persistence abstraction for session directories and
// chunk blobs. DiskStore is the production implementation; tests wrap it to
// inject failures.
type ChunkStore interface {
	// Provision creates the session directory tree and fills in the
	// session's Dir, ChunkDir and FinalDir. It must fail with
	// ErrSessionExists when the directory is already present.
	Provision(s *Session) error

	// WriteChunk durably stores data for index and returns its path.
	WriteChunk(s *Session, index int64, data []byte) (string, error)

	// WriteMetadata replaces the session's metadata.json.
	WriteMetadata(s *Session, info SessionInfo) error

	// RecordingPath is where finalize writes the merged artifact.
	RecordingPath(s *Session) string
}

// DiskStore lays sessions out as <root>/<owner>/<session id>/{chunks,final,metadata.json}.
type DiskStore struct {
	root     string
	chunkExt string
	finalExt string
}

// NewDiskStore returns a store rooted at root. chunkExt names raw chunk files
// (e.g. "webm") and finalExt the merged recording (e.g. "mp4").
func NewDiskStore(root, chunkExt, finalExt string) *DiskStore {
	return &DiskStore{
		root:     root,
		chunkExt: strings.TrimPrefix(strings.TrimSpace(chunkExt), "."),
		finalExt: strings.TrimPrefix(strings.TrimSpace(finalExt), "."),
	}
}

// RestoreMetadata rewrites metadata.json for a session that is no longer
// live, such as one failed at startup after a crash. The directory must
// already exist under the store root.
func (d *DiskStore) RestoreMetadata(info SessionInfo) error {
	if info.Dir == "" {
		return fmt.Errorf("restore metadata %s: no session directory", info.ID)
	}
	root, err := filepath.Abs(d.root)
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(info.Dir)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(root, dir); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("restore metadata %s: %s is outside %s", info.ID, info.Dir, d.root)
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("restore metadata %s: %w", info.ID, err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, metadataFile), data, 0o640)
}

// Provision implements ChunkStore.Provision.
func (d *DiskStore) Provision(s *Session) error {
	ownerDir := filepath.Join(d.root, safeSegment(s.Owner))
	if err := os.MkdirAll(ownerDir, 0o750); err != nil {
		return fmt.Errorf("create owner directory: %w", err)
	}

	dir := filepath.Join(ownerDir, safeSegment(string(s.ID)))
	// Mkdir, not MkdirAll: an existing directory means the id was used before.
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrSessionExists
		}
		return fmt.Errorf("create session directory: %w", err)
	}

	s.Dir = dir
	s.ChunkDir = filepath.Join(dir, chunkSubdir)
	s.FinalDir = filepath.Join(dir, finalSubdir)
	for _, sub := range []string{s.ChunkDir, s.FinalDir} {
		if err := os.Mkdir(sub, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(sub), err)
		}
	}
	return d.WriteMetadata(s, s.Info())
}

// ChunkName returns the file name used for index. The zero padding keeps a
// lexical directory listing in index order.
func (d *DiskStore) ChunkName(index int64) string {
	name := fmt.Sprintf("chunk_%06d", index)
	if d.chunkExt == "" {
		return name
	}
	return name + "." + d.chunkExt
}

// WriteChunk implements ChunkStore.WriteChunk. Data is written to a temp file,
// synced, then renamed into place so a crash never leaves a torn chunk under
// its final name.
func (d *DiskStore) WriteChunk(s *Session, index int64, data []byte) (string, error) {
	path := filepath.Join(s.ChunkDir, d.ChunkName(index))
	if err := writeFileAtomic(path, data, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

// WriteMetadata implements ChunkStore.WriteMetadata.
func (d *DiskStore) WriteMetadata(s *Session, info SessionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.Dir, metadataFile), data, 0o640)
}

// RecordingPath implements ChunkStore.RecordingPath.
func (d *DiskStore) RecordingPath(s *Session) string {
	short := string(s.ID)
	if len(short) > 8 {
		short = short[:8]
	}
	name := "session_" + short
	if d.finalExt != "" {
		name += "." + d.finalExt
	}
	return filepath.Join(s.FinalDir, name)
}

// ReadMetadata loads metadata.json from a session directory.
func ReadMetadata(dir string) (SessionInfo, error) {
	var info SessionInfo
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse metadata: %w", err)
	}
	return info, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// safeSegment maps an arbitrary owner or id to a single path element.
func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}

// Package auth verifies capture clients against a users file of
// username -> password hash entries.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists is returned by AddUser when the username is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrUsersExist is returned by Bootstrap once any user has been created.
	ErrUsersExist = errors.New("users already exist")

	// ErrInvalidCredentials is returned for empty usernames or passwords.
	ErrInvalidCredentials = errors.New("username and password are required")
)

// FileStore keeps users in a JSON object on disk. Reads and writes take an
// advisory lock on a sibling ".lock" file so the server and the admin CLI can
// share one file. The flock only excludes other processes, so mu serializes
// goroutines within this one.
type FileStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	cost int
}

// NewFileStore returns a store backed by path. The file is created lazily.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		cost: bcrypt.DefaultCost,
	}
}

// Authenticate reports whether secret matches the stored hash for user.
// Lookup or I/O failures count as a rejection.
func (s *FileStore) Authenticate(user, secret string) bool {
	user = strings.TrimSpace(user)
	if user == "" || secret == "" {
		return false
	}
	users, err := s.readShared()
	if err != nil {
		return false
	}
	hash, ok := users[user]
	if !ok {
		return false
	}
	return verify(hash, secret)
}

// AddUser stores a bcrypt hash for a new user.
func (s *FileStore) AddUser(user, secret string) error {
	user = strings.TrimSpace(user)
	if user == "" || secret == "" {
		return ErrInvalidCredentials
	}
	return s.update(func(users map[string]string) error {
		if _, ok := users[user]; ok {
			return ErrUserExists
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		users[user] = string(hash)
		return nil
	})
}

// Bootstrap creates the first user. It fails with ErrUsersExist when the
// file already holds at least one user.
func (s *FileStore) Bootstrap(user, secret string) error {
	user = strings.TrimSpace(user)
	if user == "" || secret == "" {
		return ErrInvalidCredentials
	}
	return s.update(func(users map[string]string) error {
		if len(users) > 0 {
			return ErrUsersExist
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		users[user] = string(hash)
		return nil
	})
}

// Usernames returns all known usernames, sorted.
func (s *FileStore) Usernames() ([]string, error) {
	users, err := s.readShared()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) readShared() (map[string]string, error) {
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock users file: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.readLocked()
}

func (s *FileStore) update(fn func(map[string]string) error) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock users file: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	users, err := s.readLocked()
	if err != nil {
		return err
	}
	if err := fn(users); err != nil {
		return err
	}
	return s.writeLocked(users)
}

func (s *FileStore) readLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	users := map[string]string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	return users, nil
}

func (s *FileStore) writeLocked(users map[string]string) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace users file: %w", err)
	}
	return nil
}

func (s *FileStore) ensureDir() error {
	dir := filepath.Dir(s.path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create users directory: %w", err)
	}
	return nil
}

// verify accepts bcrypt hashes and, for files written by older deployments,
// unsalted hex SHA-256 digests.
func verify(hash, secret string) bool {
	if isLegacyDigest(hash) {
		sum := sha256.Sum256([]byte(secret))
		want := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(strings.ToLower(hash)), []byte(want)) == 1
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func isLegacyDigest(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxIDAttempts bounds retries when a freshly generated id is already taken
// in memory or on disk.
const maxIDAttempts = 4

// ErrSessionExists is returned by a provision hook when the session's
// directory already exists on disk, so Open retries with a new id.
var ErrSessionExists = errors.New("session already exists")

// Registry is the concurrency-safe map of live sessions. It is the single
// source of truth for whether a session id is currently valid.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
	// ids held by an Open that is still provisioning
	reserved map[SessionID]struct{}
	newID    func() string
	now      func() time.Time
}

// NewRegistry returns an empty registry that issues UUIDv4 session ids.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionID]*Session),
		reserved: make(map[SessionID]struct{}),
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open creates and registers a new active session for owner. provision runs
// before the session becomes visible to Lookup and may prepare its
// directories; returning ErrSessionExists makes Open retry with a new id.
// The id is reserved while provision runs, so a provisioned session is
// always registered and never abandoned to a later collision.
func (r *Registry) Open(owner string, provision func(*Session) error) (*Session, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		s := newSession(SessionID(r.newID()), owner, r.now())
		if !r.reserve(s.ID) {
			continue
		}
		var err error
		if provision != nil {
			err = provision(s)
		}

		r.mu.Lock()
		delete(r.reserved, s.ID)
		if err == nil {
			r.sessions[s.ID] = s
		}
		r.mu.Unlock()

		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, ErrSessionExists):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("allocate session id: %d attempts collided", maxIDAttempts)
}

// Lookup returns the registered session for id.
func (r *Registry) Lookup(id SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove evicts id. Removing an absent id is a no-op so teardown stays idempotent.
func (r *Registry) Remove(id SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns the registered sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of registered sessions still accepting work.
// Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}

// Len returns the number of registered sessions in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) reserve(id SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	if _, ok := r.reserved[id]; ok {
		return false
	}
	r.reserved[id] = struct{}{}
	return true
}

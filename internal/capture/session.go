package capture

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the in-memory state of one capture session. Its identity and
// directories are immutable; everything else is guarded by mu.
type Session struct {
	ID        SessionID
	Owner     string
	CreatedAt time.Time

	Dir      string
	ChunkDir string
	FinalDir string

	// ingestMu serializes chunk writes for this session only.
	ingestMu sync.Mutex

	mu         sync.Mutex
	state      State
	reason     CloseReason
	closedAt   time.Time
	chunks     map[int64]*ChunkRecord
	analysis   *Channel
	attached   bool
	recording  *Recording
	failure    string
	lastActive atomic.Int64

	done    chan struct{}
	outcome Outcome
}

func newSession(id SessionID, owner string, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Owner:     owner,
		CreatedAt: now,
		state:     StateActive,
		chunks:    make(map[int64]*ChunkRecord),
		done:      make(chan struct{}),
	}
	s.touch(now)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached a terminal state and left the registry.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// beginClosing moves an active session to closing. Only the first caller
// gets true; that caller owns the rest of the teardown.
func (s *Session) beginClosing(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.state = StateClosing
	s.reason = reason
	return true
}

func (s *Session) finish(out Outcome, failure string, at time.Time) {
	s.mu.Lock()
	s.state = out.State
	s.closedAt = at
	s.recording = out.Recording
	s.failure = failure
	s.outcome = out
	s.analysis = nil
	s.mu.Unlock()
}

// Outcome returns the terminal outcome. Valid only after Done is closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// persistedRecords returns copies of the persisted chunks in ascending index order.
func (s *Session) persistedRecords() []ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChunkRecord, 0, len(s.chunks))
	for _, rec := range s.chunks {
		if rec.Persisted {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Info snapshots the session for status responses and metadata.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:         s.ID,
		Owner:      s.Owner,
		State:      s.state,
		Reason:     s.reason,
		Ungraceful: s.reason != "" && !s.reason.Graceful(),
		CreatedAt:  s.CreatedAt,
		Dir:        s.Dir,
		Recording:  s.recording,
		Error:      s.failure,
	}
	if !s.closedAt.IsZero() {
		closed := s.closedAt
		info.ClosedAt = &closed
	}
	for idx, rec := range s.chunks {
		if rec.Persisted {
			info.Chunks++
		} else if rec.Err != "" {
			info.FailedChunks = append(info.FailedChunks, idx)
		}
	}
	sort.Slice(info.FailedChunks, func(i, j int) bool { return info.FailedChunks[i] < info.FailedChunks[j] })
	return info
}

package capture

import (
	"context"
	"time"

	"capture-orchestrator/internal/pose"
)

// SessionID uniquely identifies a capture session.
type SessionID string

// State is the lifecycle stage of a session. Transitions only move forward:
// active -> closing -> closed | failed.
type State string

const (
	StateActive  State = "active"
	StateClosing State = "closing"
	StateClosed  State = "closed"
	StateFailed  State = "failed"
)

// Terminal reports whether the session reached closed or failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CloseReason records what moved a session into closing.
type CloseReason string

const (
	CloseRequested    CloseReason = "requested"
	CloseDisconnected CloseReason = "disconnected"
	CloseIdleTimeout  CloseReason = "idle_timeout"
	CloseShutdown     CloseReason = "shutdown"
)

// Graceful is true only for an explicit end-of-session signal from the client.
func (r CloseReason) Graceful() bool {
	return r == CloseRequested
}

// ChunkRecord is the bookkeeping for one logical chunk index.
type ChunkRecord struct {
	Index      int64     `json:"index"`
	Path       string    `json:"path,omitempty"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
	Persisted  bool      `json:"persisted"`
	Err        string    `json:"error,omitempty"`
}

// Ack confirms a chunk write.
type Ack struct {
	Index     int64 `json:"chunk_index"`
	Size      int64 `json:"size"`
	Duplicate bool  `json:"-"`
}

// Recording describes the merged artifact produced by finalize. When the
// persisted indices contain a gap, only the contiguous run from 0 is merged;
// TruncatedAt is then the first missing index and Dropped lists the persisted
// indices that were left out.
type Recording struct {
	Path        string  `json:"path"`
	Chunks      int     `json:"chunks"`
	TruncatedAt *int64  `json:"truncated_at,omitempty"`
	Dropped     []int64 `json:"dropped,omitempty"`
}

// Truncated reports whether a gap cut the merge short.
func (r Recording) Truncated() bool {
	return r.TruncatedAt != nil
}

// Outcome is the terminal result of closing a session.
type Outcome struct {
	SessionID  SessionID     `json:"session_id"`
	State      State         `json:"state"`
	Reason     CloseReason   `json:"reason"`
	Ungraceful bool          `json:"ungraceful"`
	Recording  *Recording    `json:"recording,omitempty"`
	Analysis   ChannelReport `json:"analysis"`
	Err        error         `json:"-"`
}

// SessionInfo is a point-in-time view of a session, used for status
// responses, metadata.json and the journal.
type SessionInfo struct {
	ID           SessionID   `json:"session_id"`
	Owner        string      `json:"owner"`
	State        State       `json:"state"`
	Reason       CloseReason `json:"reason,omitempty"`
	Ungraceful   bool        `json:"ungraceful"`
	CreatedAt    time.Time   `json:"created_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	Dir          string      `json:"dir"`
	Chunks       int         `json:"chunks"`
	FailedChunks []int64     `json:"failed_chunks,omitempty"`
	Recording    *Recording  `json:"recording,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Authenticator verifies a user's credential.
type Authenticator interface {
	Authenticate(user, secret string) bool
}

// Analyzer turns one encoded frame into keypoints and metrics.
type Analyzer interface {
	Analyze(ctx context.Context, frame []byte) (pose.Result, error)
}

// Muxer merges ordered chunk files into one output file.
type Muxer interface {
	Mux(ctx context.Context, inputs []string, output string) error
}

// Journal keeps a durable record of sessions so closed and failed sessions
// stay inspectable after they leave the registry.
type Journal interface {
	RecordOpen(ctx context.Context, info SessionInfo) error
	RecordOutcome(ctx context.Context, info SessionInfo) error
	Lookup(ctx context.Context, id SessionID) (SessionInfo, bool, error)
}

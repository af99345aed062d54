package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when a session open fails credential checks.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnknownSession is returned for ids that are not registered or no
	// longer active.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateChunk is returned when the index was already persisted.
	// The original chunk stands.
	ErrDuplicateChunk = errors.New("duplicate chunk")

	// ErrInvalidIndex is returned for negative chunk indices.
	ErrInvalidIndex = errors.New("invalid chunk index")

	// ErrStorage marks chunk persistence failures. It is per-chunk and does
	// not fail the session.
	ErrStorage = errors.New("chunk storage failed")

	// ErrIncompleteRecording is returned by finalize when there is nothing
	// mergeable, i.e. index 0 was never persisted.
	ErrIncompleteRecording = errors.New("incomplete recording")

	// ErrMerge wraps failures of the external mux step.
	ErrMerge = errors.New("merge failed")

	// ErrFinalizeTimeout is returned when finalize outlives the closing bound.
	ErrFinalizeTimeout = errors.New("finalize timed out")

	// ErrChannelClosed is returned by Submit after the analysis channel closed.
	ErrChannelClosed = errors.New("analysis channel closed")

	// ErrDrainTimeout is attached to frames abandoned when closing the
	// analysis channel outlived its drain bound.
	ErrDrainTimeout = errors.New("analysis drain timed out")

	// ErrChannelInUse is returned when a second consumer tries to attach to a
	// session's analysis channel.
	ErrChannelInUse = errors.New("analysis channel already attached")
)

// StorageError records which chunk index could not be persisted.
type StorageError struct {
	Index int64
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store chunk %d: %v", e.Index, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// IncompleteRecordingError lists the persisted indices that could not be
// merged because index 0 is missing.
type IncompleteRecordingError struct {
	Persisted []int64
}

func (e *IncompleteRecordingError) Error() string {
	if len(e.Persisted) == 0 {
		return "incomplete recording: no chunks persisted"
	}
	return fmt.Sprintf("incomplete recording: chunk 0 missing, %d later chunks persisted", len(e.Persisted))
}

func (e *IncompleteRecordingError) Unwrap() error {
	return ErrIncompleteRecording
}

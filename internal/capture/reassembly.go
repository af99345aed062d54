package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"capture-orchestrator/internal/platform/metrics"
)

// Coordinator persists chunks for a session and merges them at finalize.
// It never deletes chunk files, whatever the outcome.
type Coordinator struct {
	store   ChunkStore
	muxer   Muxer
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCoordinator returns a Coordinator. m may be nil.
func NewCoordinator(store ChunkStore, muxer Muxer, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:   store,
		muxer:   muxer,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores data as chunk index of s. The first successful write for an
// index wins; later submissions return ErrDuplicateChunk and leave the stored
// chunk untouched. A failed write returns a *StorageError, is recorded against
// the index, and leaves the session active so a retry can still succeed.
func (c *Coordinator) Ingest(s *Session, index int64, data []byte) (Ack, error) {
	if index < 0 {
		return Ack{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return Ack{}, ErrUnknownSession
	}
	if rec, ok := s.chunks[index]; ok && rec.Persisted {
		s.mu.Unlock()
		c.metrics.IncDuplicateChunks()
		return Ack{Index: index, Size: rec.Size, Duplicate: true}, ErrDuplicateChunk
	}
	s.mu.Unlock()

	received := c.now()
	path, err := c.store.WriteChunk(s, index, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.chunks[index] = &ChunkRecord{Index: index, ReceivedAt: received, Err: err.Error()}
		c.metrics.IncStorageErrors()
		c.log.Warn("chunk write failed",
			slog.String("session_id", string(s.ID)),
			slog.Int64("chunk_index", index),
			slog.String("error", err.Error()))
		return Ack{}, &StorageError{Index: index, Err: err}
	}

	s.chunks[index] = &ChunkRecord{
		Index:      index,
		Path:       path,
		Size:       int64(len(data)),
		ReceivedAt: received,
		Persisted:  true,
	}
	s.touch(received)
	c.metrics.ChunkIngested(len(data))
	return Ack{Index: index, Size: int64(len(data))}, nil
}

// mergePlan is the ordered input to the mux step.
type mergePlan struct {
	paths       []string
	truncatedAt *int64
	dropped     []int64
}

// planMerge applies the gap policy: merge the contiguous run of indices
// starting at 0 and stop at the first gap. records must be sorted ascending.
// An empty run is an IncompleteRecordingError.
func planMerge(records []ChunkRecord) (mergePlan, error) {
	if len(records) == 0 || records[0].Index != 0 {
		persisted := make([]int64, 0, len(records))
		for _, rec := range records {
			persisted = append(persisted, rec.Index)
		}
		return mergePlan{}, &IncompleteRecordingError{Persisted: persisted}
	}

	plan := mergePlan{paths: make([]string, 0, len(records))}
	for i, rec := range records {
		if rec.Index != int64(i) {
			missing := int64(i)
			plan.truncatedAt = &missing
			for _, rest := range records[i:] {
				plan.dropped = append(plan.dropped, rest.Index)
			}
			break
		}
		plan.paths = append(plan.paths, rec.Path)
	}
	return plan, nil
}

// Finalize merges the session's persisted chunks into one recording.
// The caller must have moved the session out of active and waited for
// in-flight ingests, so the chunk map is stable.
func (c *Coordinator) Finalize(ctx context.Context, s *Session) (Recording, error) {
	plan, err := planMerge(s.persistedRecords())
	if err != nil {
		return Recording{}, err
	}

	output := c.store.RecordingPath(s)
	if plan.truncatedAt != nil {
		c.log.Warn("recording truncated at gap",
			slog.String("session_id", string(s.ID)),
			slog.Int64("missing_index", *plan.truncatedAt),
			slog.Int("merged_chunks", len(plan.paths)),
			slog.Int("dropped_chunks", len(plan.dropped)))
	}

	start := c.now()
	err = c.muxer.Mux(ctx, plan.paths, output)
	c.metrics.ObserveFinalize(c.now().Sub(start))
	if err != nil {
		return Recording{}, fmt.Errorf("%w: %w", ErrMerge, err)
	}

	return Recording{
		Path:        output,
		Chunks:      len(plan.paths),
		TruncatedAt: plan.truncatedAt,
		Dropped:     plan.dropped,
	}, nil
}

package capture

import (
	"fmt"
	"sync"
	"time"
)

// Frame is one analysis request.
type Frame struct {
	Seq         uint64
	Data        []byte
	SubmittedAt time.Time
}

// frameQueue is a count-bounded FIFO of frames. When a push would exceed the
// bound the oldest frame is evicted and its sequence number is remembered so
// the worker can report the drop in order. The notify channel (capacity 1)
// wakes the worker; it selects on it alongside its stop signals.
type frameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	max     int
	evicted []uint64
	notify  chan struct{}
}

func newFrameQueue(max int) *frameQueue {
	if max <= 0 {
		panic(fmt.Sprintf("frame queue: max must be positive, got %d", max))
	}
	return &frameQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push appends f, evicting the oldest frame when full. It reports whether an
// eviction happened.
func (q *frameQueue) push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if len(q.frames) >= q.max {
		q.evicted = append(q.evicted, q.frames[0].Seq)
		q.frames[0] = Frame{} // release data for GC
		q.frames = q.frames[1:]
		dropped = true
	}
	q.frames = append(q.frames, f)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// take returns the sequence numbers evicted since the last call and the
// oldest queued frame, if any.
func (q *frameQueue) take() (evicted []uint64, f Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.evicted) > 0 {
		evicted = q.evicted
		q.evicted = nil
	}
	if len(q.frames) == 0 {
		return evicted, Frame{}, false
	}
	f = q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	return evicted, f, true
}

// drain removes everything still queued.
func (q *frameQueue) drain() (evicted []uint64, frames []Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted, frames = q.evicted, q.frames
	q.evicted, q.frames = nil, nil
	return evicted, frames
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

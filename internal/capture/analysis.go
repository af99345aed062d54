package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"capture-orchestrator/internal/platform/metrics"
	"capture-orchestrator/internal/pose"
)

// EventKind classifies what the analysis channel emits.
type EventKind string

const (
	EventResult          EventKind = "result"
	EventFrameDropped    EventKind = "frame_dropped"
	EventAnalyzerTimeout EventKind = "analyzer_timeout"
	EventAnalysisError   EventKind = "analysis_error"
)

// Event is one outbound message on an analysis channel. Seq is the
// sequence number Submit assigned to the frame the event is about.
type Event struct {
	Kind   EventKind
	Seq    uint64
	Result pose.Result
	Err    error
}

// ChannelOptions bound the analysis channel.
type ChannelOptions struct {
	// QueueSize is the number of frames waiting for the worker before the
	// oldest is dropped.
	QueueSize int
	// AnalyzeTimeout bounds a single Analyze call.
	AnalyzeTimeout time.Duration
	// DrainTimeout bounds how long Close waits for queued and in-flight frames.
	DrainTimeout time.Duration
	// EventBuffer is the capacity of the outbound events channel.
	EventBuffer int
}

const (
	DefaultQueueSize      = 4
	DefaultAnalyzeTimeout = 2 * time.Second
	DefaultEventBuffer    = 64
)

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.AnalyzeTimeout <= 0 {
		o.AnalyzeTimeout = DefaultAnalyzeTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * o.AnalyzeTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// ChannelReport summarizes what happened to every submitted frame.
// Submitted == Analyzed + Dropped + TimedOut + Failed once the channel closed.
type ChannelReport struct {
	Submitted   uint64 `json:"submitted"`
	Analyzed    uint64 `json:"analyzed"`
	Dropped     uint64 `json:"dropped"`
	TimedOut    uint64 `json:"timed_out"`
	Failed      uint64 `json:"failed"`
	Undelivered uint64 `json:"undelivered"`
}

// Channel is the per-session analysis pipe. Frames go in through Submit and
// are analyzed one at a time by a single worker; events come out of Events
// in submission order. It shares nothing with chunk ingestion.
type Channel struct {
	sessionID SessionID
	analyzer  Analyzer
	opts      ChannelOptions
	log       *slog.Logger
	metrics   *metrics.Metrics

	queue  *frameQueue
	events chan Event

	mu     sync.Mutex
	closed bool
	seq    uint64

	stop      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}

	submitted   atomic.Uint64
	analyzed    atomic.Uint64
	dropped     atomic.Uint64
	timedOut    atomic.Uint64
	failed      atomic.Uint64
	undelivered atomic.Uint64
}

// OpenChannel starts the worker for a session's analysis channel. m may be nil.
func OpenChannel(id SessionID, analyzer Analyzer, opts ChannelOptions, log *slog.Logger, m *metrics.Metrics) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		sessionID: id,
		analyzer:  analyzer,
		opts:      opts,
		log:       log,
		metrics:   m,
		queue:     newFrameQueue(opts.QueueSize),
		events:    make(chan Event, opts.EventBuffer),
		stop:      make(chan struct{}),
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Submit enqueues a frame and returns its sequence number. It never waits on
// the analyzer: when the queue is full the oldest waiting frame is dropped
// and reported as EventFrameDropped.
func (c *Channel) Submit(data []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrChannelClosed
	}
	c.seq++
	seq := c.seq
	c.submitted.Add(1)
	c.queue.push(Frame{Seq: seq, Data: data, SubmittedAt: time.Now()})
	return seq, nil
}

// Events is the outbound side. It is closed after Close finishes draining.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Close stops accepting frames and waits up to DrainTimeout for queued and
// in-flight frames. Frames still unfinished at the deadline are reported as
// EventAnalyzerTimeout. Close is safe to call more than once.
func (c *Channel) Close(ctx context.Context) ChannelReport {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()

	if first {
		close(c.stop)
	}

	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		c.abortOnce.Do(func() { close(c.abort) })
		<-c.done
	case <-ctx.Done():
		c.abortOnce.Do(func() { close(c.abort) })
		<-c.done
	}
	return c.Stats()
}

// Stats returns the current counters.
func (c *Channel) Stats() ChannelReport {
	return ChannelReport{
		Submitted:   c.submitted.Load(),
		Analyzed:    c.analyzed.Load(),
		Dropped:     c.dropped.Load(),
		TimedOut:    c.timedOut.Load(),
		Failed:      c.failed.Load(),
		Undelivered: c.undelivered.Load(),
	}
}

func (c *Channel) run() {
	defer close(c.done)
	defer close(c.events)

	for {
		evicted, frame, ok := c.queue.take()
		c.emitDrops(evicted)
		if ok {
			c.process(frame)
			continue
		}

		select {
		case <-c.queue.notify:
		case <-c.abort:
			c.abandonQueued()
			return
		case <-c.stop:
			// Submit cannot add frames after stop; one last pass empties the queue.
			if c.queue.len() == 0 {
				evicted, _ := c.queue.drain()
				c.emitDrops(evicted)
				return
			}
		}
	}
}

func (c *Channel) process(f Frame) {
	select {
	case <-c.abort:
		c.timedOut.Add(1)
		c.metrics.IncAnalyzerTimeouts()
		c.emit(Event{Kind: EventAnalyzerTimeout, Seq: f.Seq, Err: ErrDrainTimeout})
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AnalyzeTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	type outcome struct {
		res pose.Result
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, err := c.analyzer.Analyze(ctx, f.Data)
		resCh <- outcome{res, err}
	}()

	// An analyzer that ignores ctx is abandoned, not waited on.
	var out outcome
	select {
	case out = <-resCh:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	switch {
	case out.err == nil:
		c.analyzed.Add(1)
		c.metrics.IncFramesAnalyzed()
		c.emit(Event{Kind: EventResult, Seq: f.Seq, Result: out.res})
	case errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled):
		c.timedOut.Add(1)
		c.metrics.IncAnalyzerTimeouts()
		c.log.Debug("frame analysis timed out",
			slog.String("session_id", string(c.sessionID)),
			slog.Uint64("seq", f.Seq))
		c.emit(Event{Kind: EventAnalyzerTimeout, Seq: f.Seq, Err: out.err})
	default:
		c.failed.Add(1)
		c.log.Debug("frame analysis failed",
			slog.String("session_id", string(c.sessionID)),
			slog.Uint64("seq", f.Seq),
			slog.String("error", out.err.Error()))
		c.emit(Event{Kind: EventAnalysisError, Seq: f.Seq, Err: out.err})
	}
}

// abandonQueued reports every frame still waiting when the drain deadline hit.
func (c *Channel) abandonQueued() {
	evicted, frames := c.queue.drain()
	c.emitDrops(evicted)
	for _, f := range frames {
		c.timedOut.Add(1)
		c.metrics.IncAnalyzerTimeouts()
		c.emit(Event{Kind: EventAnalyzerTimeout, Seq: f.Seq, Err: ErrDrainTimeout})
	}
}

func (c *Channel) emitDrops(seqs []uint64) {
	for _, seq := range seqs {
		c.dropped.Add(1)
		c.metrics.IncFramesDropped()
		c.emit(Event{Kind: EventFrameDropped, Seq: seq})
	}
}

// emit blocks until the consumer takes the event, unless the channel is being
// aborted, in which case undeliverable events are counted and discarded.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	case <-c.abort:
	}
	select {
	case c.events <- ev:
	default:
		c.undelivered.Add(1)
	}
}

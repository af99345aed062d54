package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"capture-orchestrator/internal/platform/metrics"
)

// Options tune the lifecycle controller.
type Options struct {
	Channel ChannelOptions
	// ClosingTimeout bounds finalize; exceeding it fails the session.
	ClosingTimeout time.Duration
	// IdleTimeout closes sessions that saw no chunk or frame for this long.
	// Zero disables the idle reaper.
	IdleTimeout time.Duration
}

const DefaultClosingTimeout = 2 * time.Minute

// Deps are the collaborators of a Controller. Journal and Metrics may be nil.
type Deps struct {
	Registry      *Registry
	Store         ChunkStore
	Muxer         Muxer
	Analyzer      Analyzer
	Authenticator Authenticator
	Journal       Journal
	Metrics       *metrics.Metrics
	Log           *slog.Logger
}

// Controller owns session lifecycles: open, ingest, frame submission and
// teardown. Each session's chunk flow and frame flow run independently; the
// registry lookup is the only thing they share.
type Controller struct {
	registry *Registry
	store    ChunkStore
	coord    *Coordinator
	analyzer Analyzer
	auth     Authenticator
	journal  Journal
	metrics  *metrics.Metrics
	log      *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewController wires a Controller from deps.
func NewController(deps Deps, opts Options) *Controller {
	if opts.ClosingTimeout <= 0 {
		opts.ClosingTimeout = DefaultClosingTimeout
	}
	opts.Channel = opts.Channel.withDefaults()
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		registry: deps.Registry,
		store:    deps.Store,
		coord:    NewCoordinator(deps.Store, deps.Muxer, log, deps.Metrics),
		analyzer: deps.Analyzer,
		auth:     deps.Authenticator,
		journal:  deps.Journal,
		metrics:  deps.Metrics,
		log:      log,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the controller's session registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Open authenticates owner and starts a new active session with its own
// directories and analysis channel. Surrounding whitespace is not part of
// the owner's identity.
func (c *Controller) Open(ctx context.Context, owner, secret string) (*Session, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" || c.auth == nil || !c.auth.Authenticate(owner, secret) {
		c.metrics.IncAuthFailures()
		return nil, ErrAuthentication
	}

	s, err := c.registry.Open(owner, func(s *Session) error {
		if err := c.store.Provision(s); err != nil {
			return err
		}
		s.analysis = OpenChannel(s.ID, c.analyzer, c.opts.Channel, c.log, c.metrics)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	c.metrics.IncSessionsOpened()
	c.recordJournal(ctx, s.Info(), true)
	c.log.Info("session opened",
		slog.String("session_id", string(s.ID)),
		slog.String("owner", owner),
		slog.String("dir", s.Dir))
	return s, nil
}

// Lookup returns the live session for id.
func (c *Controller) Lookup(id SessionID) (*Session, error) {
	s, ok := c.registry.Lookup(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Ingest persists one chunk for an active session.
func (c *Controller) Ingest(ctx context.Context, id SessionID, index int64, data []byte) (Ack, error) {
	s, ok := c.registry.Lookup(id)
	if !ok {
		return Ack{}, ErrUnknownSession
	}
	return c.coord.Ingest(s, index, data)
}

// SubmitFrame queues a frame on the session's analysis channel.
func (c *Controller) SubmitFrame(id SessionID, frame []byte) (uint64, error) {
	ch, s, err := c.activeChannel(id)
	if err != nil {
		return 0, err
	}
	seq, err := ch.Submit(frame)
	if errors.Is(err, ErrChannelClosed) {
		return 0, ErrUnknownSession
	}
	if err == nil {
		s.touch(c.now())
	}
	return seq, err
}

// Events claims the session's analysis channel for a single consumer and
// returns its event stream.
func (c *Controller) Events(id SessionID) (<-chan Event, error) {
	s, ok := c.registry.Lookup(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.analysis == nil {
		return nil, ErrUnknownSession
	}
	if s.attached {
		return nil, ErrChannelInUse
	}
	s.attached = true
	return s.analysis.Events(), nil
}

func (c *Controller) activeChannel(id SessionID) (*Channel, *Session, error) {
	s, ok := c.registry.Lookup(id)
	if !ok {
		return nil, nil, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.analysis == nil {
		return nil, nil, ErrUnknownSession
	}
	return s.analysis, s, nil
}

// Close moves the session to closing and runs teardown: the analysis channel
// is drained, in-flight chunk writes finish, and finalize runs within
// ClosingTimeout. The first caller performs the teardown; concurrent callers
// wait for and receive the same Outcome. The returned error is non-nil only
// when no outcome is available (unknown session or ctx done while waiting);
// finalize failures are reported in Outcome.Err with State failed.
func (c *Controller) Close(ctx context.Context, id SessionID, reason CloseReason) (Outcome, error) {
	s, ok := c.registry.Lookup(id)
	if !ok {
		return Outcome{}, ErrUnknownSession
	}
	if s.beginClosing(reason) {
		return c.teardown(s, reason), nil
	}
	select {
	case <-s.done:
		return s.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Controller) teardown(s *Session, reason CloseReason) Outcome {
	log := c.log.With(slog.String("session_id", string(s.ID)), slog.String("reason", string(reason)))
	if reason.Graceful() {
		log.Info("session closing")
	} else {
		log.Warn("session closing ungracefully")
	}

	out := Outcome{SessionID: s.ID, Reason: reason, Ungraceful: !reason.Graceful()}

	s.mu.Lock()
	ch := s.analysis
	s.mu.Unlock()
	if ch != nil {
		out.Analysis = ch.Close(context.Background())
		if lost := out.Analysis.Undelivered; lost > 0 {
			log.Warn("analysis events undelivered at close", slog.Uint64("count", lost))
		}
	}

	// Wait for any chunk write that started before closing.
	s.ingestMu.Lock()
	s.ingestMu.Unlock()

	rec, err := c.finalizeBounded(s)
	failure := ""
	if err != nil {
		out.State = StateFailed
		out.Err = err
		failure = err.Error()
		log.Error("session failed", slog.String("error", failure))
	} else {
		out.State = StateClosed
		out.Recording = &rec
		log.Info("session closed",
			slog.String("recording", rec.Path),
			slog.Int("chunks", rec.Chunks),
			slog.Bool("truncated", rec.Truncated()))
	}

	s.finish(out, failure, c.now())
	info := s.Info()
	if err := c.store.WriteMetadata(s, info); err != nil {
		log.Warn("write metadata failed", slog.String("error", err.Error()))
	}
	c.recordJournal(context.Background(), info, false)
	c.metrics.SessionFinished(string(out.State), string(reason))
	c.registry.Remove(s.ID)
	close(s.done)
	return out
}

// finalizeBounded runs finalize with the closing bound. A muxer that ignores
// cancellation is left behind rather than holding the session in closing.
func (c *Controller) finalizeBounded(s *Session) (Recording, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ClosingTimeout)
	defer cancel()

	type result struct {
		rec Recording
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := c.coord.Finalize(ctx, s)
		done <- result{rec, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Recording{}, fmt.Errorf("%w after %s: %w", ErrFinalizeTimeout, c.opts.ClosingTimeout, r.err)
		}
		return r.rec, r.err
	case <-ctx.Done():
		return Recording{}, fmt.Errorf("%w after %s", ErrFinalizeTimeout, c.opts.ClosingTimeout)
	}
}

// Status returns the live view of a session, falling back to the journal
// for sessions that already left the registry.
func (c *Controller) Status(ctx context.Context, id SessionID) (SessionInfo, error) {
	if s, ok := c.registry.Lookup(id); ok {
		return s.Info(), nil
	}
	if c.journal != nil {
		info, ok, err := c.journal.Lookup(ctx, id)
		if err != nil {
			return SessionInfo{}, fmt.Errorf("journal lookup: %w", err)
		}
		if ok {
			return info, nil
		}
	}
	return SessionInfo{}, ErrUnknownSession
}

// Run reaps idle sessions until ctx is done. It returns immediately when
// IdleTimeout is zero.
func (c *Controller) Run(ctx context.Context) {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	interval := c.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapIdle(ctx)
		}
	}
}

func (c *Controller) reapIdle(ctx context.Context) {
	cutoff := c.now().Add(-c.opts.IdleTimeout)
	for _, s := range c.registry.List() {
		if s.State() != StateActive || s.idleSince().After(cutoff) {
			continue
		}
		go func(id SessionID) {
			if _, err := c.Close(ctx, id, CloseIdleTimeout); err != nil && !errors.Is(err, ErrUnknownSession) {
				c.log.Warn("idle close failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
			}
		}(s.ID)
	}
}

// Shutdown closes every registered session and waits for their teardown or
// for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range c.registry.List() {
		wg.Add(1)
		go func(id SessionID) {
			defer wg.Done()
			_, _ = c.Close(ctx, id, CloseShutdown)
		}(s.ID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) recordJournal(ctx context.Context, info SessionInfo, opening bool) {
	if c.journal == nil {
		return
	}
	var err error
	if opening {
		err = c.journal.RecordOpen(ctx, info)
	} else {
		err = c.journal.RecordOutcome(ctx, info)
	}
	if err != nil {
		c.log.Warn("journal write failed",
			slog.String("session_id", string(info.ID)),
			slog.String("error", err.Error()))
	}
}

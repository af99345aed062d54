package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"capture-orchestrator/internal/media/ffmpeg"
	"capture-orchestrator/internal/pose"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticAuth map[string]string

func (a staticAuth) Authenticate(user, secret string) bool {
	want, ok := a[user]
	return ok && want == secret
}

type analyzerFunc func(ctx context.Context, frame []byte) (pose.Result, error)

func (f analyzerFunc) Analyze(ctx context.Context, frame []byte) (pose.Result, error) {
	return f(ctx, frame)
}

// echoAnalyzer reports one confident joint whose X is the frame length.
var echoAnalyzer = analyzerFunc(func(ctx context.Context, frame []byte) (pose.Result, error) {
	return pose.Result{Joints: []pose.Joint{{Name: "nose", X: float64(len(frame)), Y: 0.5, Confidence: 0.9}}}, nil
})

// fakeMuxer joins inputs like the byte muxer and records every call. When
// gate is set it waits on it first; ignoreCtx makes it wait even after the
// context is done.
type fakeMuxer struct {
	mu        sync.Mutex
	calls     [][]string
	err       error
	gate      chan struct{}
	entered   chan struct{}
	ignoreCtx bool
}

func (m *fakeMuxer) Mux(ctx context.Context, inputs []string, output string) error {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), inputs...))
	entered, gate := m.entered, m.gate
	m.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		if m.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if m.err != nil {
		return m.err
	}
	return ffmpeg.Join{}.Mux(ctx, inputs, output)
}

func (m *fakeMuxer) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// flakyStore fails WriteChunk for the listed indices, once per entry.
type flakyStore struct {
	*DiskStore
	mu    sync.Mutex
	fails map[int64]int
}

var errDiskFull = errors.New("no space left on device")

func (f *flakyStore) WriteChunk(s *Session, index int64, data []byte) (string, error) {
	f.mu.Lock()
	if f.fails[index] > 0 {
		f.fails[index]--
		f.mu.Unlock()
		return "", errDiskFull
	}
	f.mu.Unlock()
	return f.DiskStore.WriteChunk(s, index, data)
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu       sync.Mutex
	sessions map[SessionID]SessionInfo
}

func newMemJournal() *memJournal {
	return &memJournal{sessions: make(map[SessionID]SessionInfo)}
}

func (j *memJournal) RecordOpen(ctx context.Context, info SessionInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions[info.ID] = info
	return nil
}

func (j *memJournal) RecordOutcome(ctx context.Context, info SessionInfo) error {
	return j.RecordOpen(ctx, info)
}

func (j *memJournal) Lookup(ctx context.Context, id SessionID) (SessionInfo, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	info, ok := j.sessions[id]
	return info, ok, nil
}

type testEnv struct {
	ctl     *Controller
	store   *DiskStore
	muxer   *fakeMuxer
	journal *memJournal
}

type envOption func(*Deps, *Options)

func withAnalyzer(a Analyzer) envOption {
	return func(d *Deps, _ *Options) { d.Analyzer = a }
}

func withStore(s ChunkStore) envOption {
	return func(d *Deps, _ *Options) { d.Store = s }
}

func withOptions(fn func(*Options)) envOption {
	return func(_ *Deps, o *Options) { fn(o) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   NewDiskStore(t.TempDir(), "webm", "mp4"),
		muxer:   &fakeMuxer{},
		journal: newMemJournal(),
	}
	deps := Deps{
		Store:         env.store,
		Muxer:         env.muxer,
		Analyzer:      echoAnalyzer,
		Authenticator: staticAuth{"alice": "secret", "bob": "hunter2"},
		Journal:       env.journal,
		Log:           testLogger(),
	}
	o := Options{
		Channel:        ChannelOptions{AnalyzeTimeout: time.Second},
		ClosingTimeout: 5 * time.Second,
	}
	for _, fn := range opts {
		fn(&deps, &o)
	}
	env.ctl = NewController(deps, o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.ctl.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) open(t *testing.T) *Session {
	t.Helper()
	s, err := e.ctl.Open(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func chunkData(index int64, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte('a' + index%26)
	}
	return b
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", s.ID)
	}
}

package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/warden-sh/warden/internal/engine"
	"github.com/warden-sh/warden/pkg/logging"
)

// chanSource feeds frames from a channel; closing the channel is EOF.
// Cancelling the open context unblocks Next.
type chanSource struct {
	ctx    context.Context
	frames chan engine.Frame
	closed sync.Once
	done   chan struct{}
}

func newChanSource(ctx context.Context) *chanSource {
	return &chanSource{ctx: ctx, frames: make(chan engine.Frame), done: make(chan struct{})}
}

func (c *chanSource) Next() (engine.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return engine.Frame{}, io.EOF
		}
		return f, nil
	case <-c.ctx.Done():
		return engine.Frame{}, c.ctx.Err()
	case <-c.done:
		return engine.Frame{}, io.EOF
	}
}

func (c *chanSource) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

// streamEngine implements engine.Client for stream tests; only the stream
// openers matter.
type streamEngine struct {
	mu      sync.Mutex
	sources []*chanSource
	openErr error
}

func (e *streamEngine) open(ctx context.Context) (engine.FrameSource, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	src := newChanSource(ctx)
	e.mu.Lock()
	e.sources = append(e.sources, src)
	e.mu.Unlock()
	return src, nil
}

func (e *streamEngine) OpenLogStream(ctx context.Context, id string) (engine.FrameSource, error) {
	return e.open(ctx)
}

func (e *streamEngine) OpenStatsStream(ctx context.Context, id string) (engine.FrameSource, error) {
	return e.open(ctx)
}

func (e *streamEngine) Create(ctx context.Context, spec engine.CreateSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (e *streamEngine) Start(ctx context.Context, id string) error  { return nil }
func (e *streamEngine) Kill(ctx context.Context, id string) error   { return nil }
func (e *streamEngine) Remove(ctx context.Context, id string) error { return nil }
func (e *streamEngine) Stop(ctx context.Context, id string, grace time.Duration) error {
	return nil
}
func (e *streamEngine) Inspect(ctx context.Context, id string) (engine.State, error) {
	return engine.State{}, nil
}
func (e *streamEngine) SendCommand(ctx context.Context, id, command string) error { return nil }

var _ engine.Client = (*streamEngine)(nil)

// collectSink records frames and can be armed to fail.
type collectSink struct {
	mu      sync.Mutex
	frames  []engine.Frame
	sendErr error
	closes  int
}

func (s *collectSink) SendFrame(f engine.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *collectSink) snapshot() ([]engine.Frame, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Frame, len(s.frames))
	copy(out, s.frames)
	return out, s.closes
}

func testManager(eng *streamEngine) *Manager {
	return NewManager(eng, logging.NewLogger("stream-test", logging.ERROR, false))
}

func TestForwardsFramesUntilEOF(t *testing.T) {
	eng := &streamEngine{}
	m := testManager(eng)
	sink := &collectSink{}

	s, err := m.Open(context.Background(), "mc1", "eng-A", KindLogs, sink)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src := eng.sources[0]
	src.frames <- engine.Frame{Text: "[Server] Done (2.3s)!"}
	src.frames <- engine.Frame{Text: "[Server] Player joined"}
	close(src.frames)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on EOF")
	}

	frames, closes := sink.snapshot()
	if len(frames) != 2 || frames[0].Text != "[Server] Done (2.3s)!" {
		t.Errorf("unexpected frames: %+v", frames)
	}
	if closes == 0 {
		t.Error("sink was not closed")
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 tracked sessions, got %d", m.Count())
	}
}

func TestStatsFramesCarrySamples(t *testing.T) {
	eng := &streamEngine{}
	m := testManager(eng)
	sink := &collectSink{}

	s, err := m.Open(context.Background(), "mc1", "eng-A", KindStats, sink)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	eng.sources[0].frames <- engine.Frame{Stats: &engine.StatsSample{CPUPercent: 41.5, MemoryBytes: 1 << 30}}
	close(eng.sources[0].frames)
	<-s.Done()

	frames, _ := sink.snapshot()
	if len(frames) != 1 || frames[0].Stats == nil || frames[0].Stats.CPUPercent != 41.5 {
		t.Errorf("unexpected stats frames: %+v", frames)
	}
}

func TestSinkFailureEndsSession(t *testing.T) {
	eng := &streamEngine{}
	m := testManager(eng)
	sink := &collectSink{sendErr: ErrSessionClosed}

	s, err := m.Open(context.Background(), "mc1", "eng-A", KindLogs, sink)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	eng.sources[0].frames <- engine.Frame{Text: "line"}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end when the sink closed")
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 tracked sessions, got %d", m.Count())
	}
}

func TestCloseIsIdempotentAndWaits(t *testing.T) {
	eng := &streamEngine{}
	m := testManager(eng)
	sink := &collectSink{}

	s, err := m.Open(context.Background(), "mc1", "eng-A", KindLogs, sink)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 tracked sessions, got %d", m.Count())
	}
}

func TestCloseAllOnlyAffectsOneInstance(t *testing.T) {
	eng := &streamEngine{}
	m := testManager(eng)

	s1, err := m.Open(context.Background(), "mc1", "eng-A", KindLogs, &collectSink{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), "mc1", "eng-A", KindStats, &collectSink{}); err != nil {
		t.Fatal(err)
	}
	s3, err := m.Open(context.Background(), "mc2", "eng-B", KindLogs, &collectSink{})
	if err != nil {
		t.Fatal(err)
	}

	m.CloseAll("mc1")
	select {
	case <-s1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("mc1 session survived CloseAll")
	}
	select {
	case <-s3.Done():
		t.Fatal("mc2 session was closed by CloseAll(mc1)")
	default:
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 remaining session, got %d", m.Count())
	}
	s3.Close()
}

func TestOpenPropagatesEngineError(t *testing.T) {
	eng := &streamEngine{openErr: engine.ErrNotFound}
	m := testManager(eng)
	if _, err := m.Open(context.Background(), "mc1", "eng-gone", KindLogs, &collectSink{}); !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("failed open must not leave a tracked session, got %d", m.Count())
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	eng := &streamEngine{}
	m := testManager(eng)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := m.Open(context.Background(), name, "eng-"+name, KindLogs, &collectSink{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 sessions after shutdown, got %d", m.Count())
	}
}

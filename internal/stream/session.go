// Package stream manages observer sessions: long-lived forwarding loops that
// pump engine log lines or stats samples into a sink (in practice, a
// websocket). Sessions are tracked per instance so a destroy or recreate can
// tear down every observer of the old engine object.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/warden-sh/warden/internal/engine"
	"github.com/warden-sh/warden/pkg/logging"
)

// Kind selects what a session streams.
type Kind string

const (
	KindLogs  Kind = "logs"
	KindStats Kind = "stats"
)

// ErrSessionClosed is returned by Sink implementations once the far side has
// gone away; the forwarding loop treats it as a normal end of session.
var ErrSessionClosed = errors.New("session closed")

// Sink receives frames. SendFrame is called from a single goroutine per
// session. Close may be called concurrently with SendFrame and must be safe
// to call more than once.
type Sink interface {
	SendFrame(f engine.Frame) error
	Close() error
}

// Session is one live forwarding loop.
type Session struct {
	ID       string
	Instance string
	Kind     Kind

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close aborts the session and waits for its forwarding goroutine to exit.
// Safe to call multiple times.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the forwarding goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager tracks every open session by instance name.
type Manager struct {
	engine engine.Client
	log    *logging.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*Session // instance -> session id -> session
}

// NewManager creates an empty session manager.
func NewManager(eng engine.Client, log *logging.Logger) *Manager {
	return &Manager{
		engine:   eng,
		log:      log,
		sessions: make(map[string]map[string]*Session),
	}
}

// Open starts a session streaming the given kind from engineID into sink.
// The returned session runs until the engine ends the stream, the sink
// reports closure, or Close is called. The sink is always closed on exit.
func (m *Manager) Open(ctx context.Context, instance, engineID string, kind Kind, sink Sink) (*Session, error) {
	var src engine.FrameSource
	var err error

	sctx, cancel := context.WithCancel(ctx)
	switch kind {
	case KindLogs:
		src, err = m.engine.OpenLogStream(sctx, engineID)
	case KindStats:
		src, err = m.engine.OpenStatsStream(sctx, engineID)
	default:
		cancel()
		return nil, errors.New("unknown stream kind: " + string(kind))
	}
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		ID:       uuid.New().String(),
		Instance: instance,
		Kind:     kind,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	byID, ok := m.sessions[instance]
	if !ok {
		byID = make(map[string]*Session)
		m.sessions[instance] = byID
	}
	byID[s.ID] = s
	m.mu.Unlock()

	go m.forward(sctx, s, src, sink)
	return s, nil
}

// forward pumps frames until the source or the sink gives up.
func (m *Manager) forward(ctx context.Context, s *Session, src engine.FrameSource, sink Sink) {
	defer close(s.done)
	defer m.drop(s)
	defer sink.Close()
	defer src.Close()

	for {
		frame, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				m.log.Warn("Stream source ended abnormally", map[string]interface{}{
					"instance": s.Instance, "session": s.ID, "kind": string(s.Kind), "error": err.Error(),
				})
			}
			return
		}
		if err := sink.SendFrame(frame); err != nil {
			if !errors.Is(err, ErrSessionClosed) && ctx.Err() == nil {
				m.log.Debug("Stream sink rejected frame", map[string]interface{}{
					"instance": s.Instance, "session": s.ID, "error": err.Error(),
				})
			}
			return
		}
	}
}

func (m *Manager) drop(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.sessions[s.Instance]; ok {
		delete(byID, s.ID)
		if len(byID) == 0 {
			delete(m.sessions, s.Instance)
		}
	}
}

// CloseAll tears down every session observing the named instance and waits
// for their goroutines. Called on destroy and recreate, when the engine
// object the sessions are attached to stops existing.
func (m *Manager) CloseAll(instance string) {
	m.mu.Lock()
	var toClose []*Session
	for _, s := range m.sessions[instance] {
		toClose = append(toClose, s)
	}
	m.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}
}

// Shutdown closes every session across all instances.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var toClose []*Session
	for _, byID := range m.sessions {
		for _, s := range byID {
			toClose = append(toClose, s)
		}
	}
	m.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}
	return nil
}

// Count returns the number of open sessions. Used by the metrics exporter.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.sessions {
		n += len(byID)
	}
	return n
}

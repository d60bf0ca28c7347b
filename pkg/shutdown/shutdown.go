package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/warden-sh/warden/pkg/logging"
)

// Manager handles graceful shutdown of the daemon. Registered functions run
// in reverse order (LIFO) so collaborators stop before their dependencies.
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
	log           *logging.Logger
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		log:      log,
	}
}

// Register adds a named shutdown function.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Wait blocks until SIGTERM or SIGINT is received.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.log.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})

	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered shutdown functions in LIFO order.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		entry := m.shutdownFuncs[i]
		if err := entry.fn(ctx); err != nil {
			m.log.Error("Shutdown step failed", map[string]interface{}{"step": entry.name, "error": err.Error()})
			continue
		}
		m.log.Info("Shutdown step complete", map[string]interface{}{"step": entry.name})
	}

	m.log.Info("Graceful shutdown complete")
}

// Package engine defines the narrow boundary to the container engine. The
// engine is slow, fallible, and returns not-found as a normal outcome on
// stop/remove/inspect; callers must treat it that way rather than letting a
// 404 propagate as a generic failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warden-sh/warden/pkg/models"
)

// ErrNotFound marks an engine object that no longer exists. For operations
// whose goal is "ensure absence" this is success, not an error.
var ErrNotFound = errors.New("engine object not found")

// IsNotFound reports whether err means the engine object is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err looks like a temporary failure talking to
// the engine (network resets, timeouts, engine overload) worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"broken pipe",
		"eof",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// PortBinding is one host-to-container binding in engine terms.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// CreateSpec is everything the engine needs to instantiate a new object.
type CreateSpec struct {
	Name            string
	Image           string
	Command         string
	Env             []string
	MemoryLimitMB   int64
	SwapLimitMB     int64
	CPULimitPercent int64
	IOWeight        int64
	Bindings        []PortBinding
}

// SpecFromInstance translates a registry snapshot into an engine create spec.
func SpecFromInstance(inst models.ManagedInstance) CreateSpec {
	spec := CreateSpec{
		Name:            inst.Name,
		Image:           inst.Image,
		Command:         inst.StartupCommand,
		MemoryLimitMB:   inst.Resources.MemoryLimitMB,
		SwapLimitMB:     inst.Resources.SwapLimitMB,
		CPULimitPercent: inst.Resources.CPULimitPercent,
		IOWeight:        inst.Resources.IOWeight,
	}
	for _, pm := range inst.PortMappings {
		spec.Bindings = append(spec.Bindings, PortBinding{
			HostIP:        pm.HostIP,
			HostPort:      pm.HostPort,
			ContainerPort: pm.ContainerPort,
			Protocol:      pm.Protocol,
		})
	}
	return spec
}

// State is the engine's view of one object.
type State struct {
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Frame is one unit pushed to an observer: a log line or a stats sample.
type Frame struct {
	Text  string       `json:"text,omitempty"`
	Stats *StatsSample `json:"stats,omitempty"`
}

// StatsSample is one structured resource-usage reading.
type StatsSample struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	MemoryLimit uint64  `json:"memory_limit"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
}

// FrameSource is a blocking stream of frames. Next returns io.EOF when the
// engine ends the stream; cancelling the context passed at open time aborts
// a blocked Next promptly.
type FrameSource interface {
	Next() (Frame, error)
	Close() error
}

// Client is the narrow interface the lifecycle controller and streaming
// sessions consume. Implementations must map "object no longer exists" to
// ErrNotFound on Stop, Kill, Remove and Inspect.
type Client interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, engineID string) error
	Stop(ctx context.Context, engineID string, grace time.Duration) error
	Kill(ctx context.Context, engineID string) error
	Remove(ctx context.Context, engineID string) error
	Inspect(ctx context.Context, engineID string) (State, error)
	SendCommand(ctx context.Context, engineID, command string) error
	OpenLogStream(ctx context.Context, engineID string) (FrameSource, error)
	OpenStatsStream(ctx context.Context, engineID string) (FrameSource, error)
}

// Error wraps an engine failure with the call that produced it.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Package lifecycle implements the state machine that drives managed
// instances through start, stop, restart, kill and the compound recreate.
// Every operation serializes on the instance's lock, copies what it needs out
// of the registry, talks to the engine with no registry reference held, and
// writes results back through short non-blocking mutations.
package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/warden-sh/warden/internal/engine"
	"github.com/warden-sh/warden/internal/registry"
	"github.com/warden-sh/warden/pkg/logging"
	"github.com/warden-sh/warden/pkg/models"
)

// Saver is notified after committed mutations; saving is fire-and-forget and
// never blocks a lifecycle operation.
type Saver interface {
	RequestSave()
}

// Auditor records committed status transitions, best effort.
type Auditor interface {
	Record(name string, from, to models.InstanceStatus, reason string)
}

// Recorder counts lifecycle operations for the metrics exporter.
type Recorder interface {
	RecordOperation(op, result string)
}

// SessionCloser detaches streaming observers from an instance. Any operation
// that removes the backing engine object closes sessions first, because an
// observer attached to a removed object would hang on a dead stream.
type SessionCloser interface {
	CloseAll(instance string)
}

// Config bounds the controller's waits. The grace period and retry budget are
// configurable because no single constant fits every workload.
type Config struct {
	StopGracePeriod  time.Duration
	StopPollInterval time.Duration
	LockTimeout      time.Duration
	RetryMaxTries    uint
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
}

// DefaultConfig returns the defaults used when the daemon config is silent.
func DefaultConfig() Config {
	return Config{
		StopGracePeriod:  30 * time.Second,
		StopPollInterval: time.Second,
		LockTimeout:      2 * time.Minute,
		RetryMaxTries:    3,
		RetryInitial:     time.Second,
		RetryMaxInterval: 30 * time.Second,
	}
}

// Controller owns lifecycle mutation of the registry.
type Controller struct {
	registry *registry.Registry
	locks    *registry.LockTable
	engine   engine.Client
	saver    Saver
	audit    Auditor
	metrics  Recorder
	sessions SessionCloser
	cfg      Config
	log      *logging.Logger
}

// New creates a controller. audit and metrics may be nil.
func New(reg *registry.Registry, locks *registry.LockTable, eng engine.Client, saver Saver, cfg Config, log *logging.Logger) *Controller {
	if cfg.StopPollInterval <= 0 {
		cfg.StopPollInterval = time.Second
	}
	return &Controller{
		registry: reg,
		locks:    locks,
		engine:   eng,
		saver:    saver,
		cfg:      cfg,
		log:      log,
	}
}

// SetAuditor wires the transition history log.
func (c *Controller) SetAuditor(a Auditor) { c.audit = a }

// SetRecorder wires the metrics recorder.
func (c *Controller) SetRecorder(r Recorder) { c.metrics = r }

// SetSessionCloser wires the streaming session manager.
func (c *Controller) SetSessionCloser(s SessionCloser) { c.sessions = s }

func (c *Controller) closeSessions(name string) {
	if c.sessions != nil {
		c.sessions.CloseAll(name)
	}
}

func (c *Controller) record(op string, err error) {
	if c.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.metrics.RecordOperation(op, result)
}

// setStatus commits one transition and returns the updated copy. The audit
// write happens after the mutation; nothing blocking runs inside Mutate.
func (c *Controller) setStatus(name string, to models.InstanceStatus, reason string) (models.ManagedInstance, error) {
	var from models.InstanceStatus
	updated, err := c.registry.Mutate(name, func(m *models.ManagedInstance) {
		from = m.Status
		m.Status = to
	})
	if err != nil {
		return models.ManagedInstance{}, err
	}
	if verr := models.ValidateTransition(from, to); verr != nil {
		// The controller only drives legal paths; a hit here is a bug worth
		// surfacing in logs, not worth failing the operation over.
		c.log.Warn("Unexpected status transition", map[string]interface{}{
			"instance": name, "from": string(from), "to": string(to), "error": verr.Error(),
		})
	}
	if c.audit != nil && from != to {
		c.audit.Record(name, from, to, reason)
	}
	return updated, nil
}

// retryEngine runs op, retrying transient engine failures within the
// configured budget. Non-transient failures stop immediately.
func (c *Controller) retryEngine(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if engine.IsTransient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.RetryMaxTries))
	return err
}

// Start ensures the instance is running. A running instance is a no-op
// success; anything else is recreated from its current configuration so the
// engine object always reflects the record's image, ports and resources.
func (c *Controller) Start(ctx context.Context, name string) (models.ManagedInstance, error) {
	release, err := c.locks.Acquire(name, c.cfg.LockTimeout)
	if err != nil {
		c.record("start", err)
		return models.ManagedInstance{}, &OpError{Op: "start", Name: name, Err: err}
	}
	defer release()

	inst, err := c.startLocked(ctx, name)
	c.record("start", err)
	return inst, err
}

func (c *Controller) startLocked(ctx context.Context, name string) (models.ManagedInstance, error) {
	snap, ok := c.registry.Snapshot(name)
	if !ok {
		return models.ManagedInstance{}, &OpError{Op: "start", Name: name, Err: ErrUnknownInstance}
	}
	if snap.Status == models.StatusRunning && snap.HasEngineObject() {
		return snap, nil
	}
	return c.recreateLocked(ctx, name, true)
}

// Stop brings the instance to Stopped. With graceful=true the configured stop
// command (if any) is sent first and the instance gets the grace period
// before a forced stop. A missing engine object is already-stopped success.
func (c *Controller) Stop(ctx context.Context, name string, graceful bool) (models.ManagedInstance, error) {
	release, err := c.locks.Acquire(name, c.cfg.LockTimeout)
	if err != nil {
		c.record("stop", err)
		return models.ManagedInstance{}, &OpError{Op: "stop", Name: name, Err: err}
	}
	defer release()

	inst, err := c.stopLocked(ctx, name, graceful)
	c.record("stop", err)
	return inst, err
}

func (c *Controller) stopLocked(ctx context.Context, name string, graceful bool) (models.ManagedInstance, error) {
	snap, ok := c.registry.Snapshot(name)
	if !ok {
		return models.ManagedInstance{}, &OpError{Op: "stop", Name: name, Err: ErrUnknownInstance}
	}
	if !snap.HasEngineObject() {
		// Already in the desired state; status stays Absent or Failed.
		return snap, nil
	}
	if snap.Status == models.StatusStopped {
		// Already stopped; the engine object stays as it is.
		return snap, nil
	}

	if _, err := c.setStatus(name, models.StatusStopping, "stop requested"); err != nil {
		return models.ManagedInstance{}, &OpError{Op: "stop", Name: name, Err: err}
	}

	if err := c.shutdownEngineObject(ctx, snap, graceful); err != nil {
		updated, _ := c.setStatus(name, models.StatusFailed, "stop failed")
		c.saver.RequestSave()
		return updated, &OpError{Op: "stop", Name: name, Transient: engine.IsTransient(err), Err: err}
	}

	updated, err := c.setStatus(name, models.StatusStopped, "stop complete")
	if err != nil {
		return models.ManagedInstance{}, &OpError{Op: "stop", Name: name, Err: err}
	}
	c.saver.RequestSave()
	return updated, nil
}

// shutdownEngineObject drives one engine object to a halt. Not-found at any
// step means the object is already gone, which is the goal.
func (c *Controller) shutdownEngineObject(ctx context.Context, snap models.ManagedInstance, graceful bool) error {
	id := snap.EngineID

	if !graceful {
		err := c.retryEngine(ctx, func() error { return c.engine.Kill(ctx, id) })
		if err != nil && !engine.IsNotFound(err) {
			return err
		}
		return nil
	}

	if snap.StopCommand != "" {
		// Ask the workload to shut itself down, then give it the grace window.
		if err := c.engine.SendCommand(ctx, id, snap.StopCommand); err != nil {
			if engine.IsNotFound(err) {
				return nil
			}
			c.log.Warn("Stop command could not be delivered", map[string]interface{}{
				"instance": snap.Name, "error": err.Error(),
			})
		} else if c.waitStopped(ctx, id) {
			return nil
		}
		// Still running after the grace period: escalate.
		err := c.retryEngine(ctx, func() error { return c.engine.Stop(ctx, id, 0) })
		if err != nil && !engine.IsNotFound(err) {
			return err
		}
		return nil
	}

	// No stop command configured: the engine applies the grace period itself.
	err := c.retryEngine(ctx, func() error { return c.engine.Stop(ctx, id, c.cfg.StopGracePeriod) })
	if err != nil && !engine.IsNotFound(err) {
		return err
	}
	return nil
}

// waitStopped polls the engine until the object stops, disappears, or the
// grace period runs out. Returns true once the object is no longer running.
func (c *Controller) waitStopped(ctx context.Context, engineID string) bool {
	deadline := time.Now().Add(c.cfg.StopGracePeriod)
	ticker := time.NewTicker(c.cfg.StopPollInterval)
	defer ticker.Stop()

	for {
		state, err := c.engine.Inspect(ctx, engineID)
		if engine.IsNotFound(err) {
			return true
		}
		if err == nil && !state.Running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Restart is stop followed by start inside one locked critical section, so no
// other operation can interleave between the halves.
func (c *Controller) Restart(ctx context.Context, name string) (models.ManagedInstance, error) {
	release, err := c.locks.Acquire(name, c.cfg.LockTimeout)
	if err != nil {
		c.record("restart", err)
		return models.ManagedInstance{}, &OpError{Op: "restart", Name: name, Err: err}
	}
	defer release()

	if _, err := c.stopLocked(ctx, name, true); err != nil {
		c.record("restart", err)
		return models.ManagedInstance{}, err
	}
	inst, err := c.startLocked(ctx, name)
	c.record("restart", err)
	return inst, err
}

// Kill is an immediate forced stop with no grace period.
func (c *Controller) Kill(ctx context.Context, name string) (models.ManagedInstance, error) {
	release, err := c.locks.Acquire(name, c.cfg.LockTimeout)
	if err != nil {
		c.record("kill", err)
		return models.ManagedInstance{}, &OpError{Op: "kill", Name: name, Err: err}
	}
	defer release()

	inst, err := c.stopLocked(ctx, name, false)
	c.record("kill", err)
	return inst, err
}

// Recreate rebuilds the engine object from the record's current
// configuration without starting it.
func (c *Controller) Recreate(ctx context.Context, name string) (models.ManagedInstance, error) {
	release, err := c.locks.Acquire(name, c.cfg.LockTimeout)
	if err != nil {
		c.record("recreate", err)
		return models.ManagedInstance{}, &OpError{Op: "recreate", Name: name, Err: err}
	}
	defer release()

	inst, err := c.recreateLocked(ctx, name, false)
	c.record("recreate", err)
	return inst, err
}

// recreateLocked is the compound stop -> remove -> create sequence. The
// registry is kept consistent at every step so a crash anywhere leaves either
// "no backing object" or "object with id X" on disk, never a dangling
// reference to an object already removed.
func (c *Controller) recreateLocked(ctx context.Context, name string, andStart bool) (models.ManagedInstance, error) {
	snap, ok := c.registry.Snapshot(name)
	if !ok {
		return models.ManagedInstance{}, &OpError{Op: "recreate", Name: name, Err: ErrUnknownInstance}
	}

	if _, err := c.setStatus(name, models.StatusRecreating, "recreate requested"); err != nil {
		return models.ManagedInstance{}, &OpError{Op: "recreate", Name: name, Err: err}
	}

	if snap.HasEngineObject() {
		// Observers stream from the object about to be removed.
		c.closeSessions(name)
		if err := c.retryEngine(ctx, func() error { return c.engine.Stop(ctx, snap.EngineID, c.cfg.StopGracePeriod) }); err != nil && !engine.IsNotFound(err) {
			return c.failRecreate(name, err)
		}
		if err := c.retryEngine(ctx, func() error { return c.engine.Remove(ctx, snap.EngineID) }); err != nil && !engine.IsNotFound(err) {
			return c.failRecreate(name, err)
		}
	}

	// Durable point: the old object is gone and the record says so. A crash
	// here leaves a state from which a plain start creates fresh.
	if _, err := c.registry.Mutate(name, func(m *models.ManagedInstance) {
		m.EngineID = ""
		m.Status = models.StatusAbsent
	}); err != nil {
		return models.ManagedInstance{}, &OpError{Op: "recreate", Name: name, Err: err}
	}
	if c.audit != nil {
		c.audit.Record(name, models.StatusRecreating, models.StatusAbsent, "old engine object removed")
	}
	c.saver.RequestSave()

	if _, err := c.setStatus(name, models.StatusCreating, "creating engine object"); err != nil {
		return models.ManagedInstance{}, &OpError{Op: "recreate", Name: name, Err: err}
	}

	spec := engine.SpecFromInstance(snap)
	var newID string
	err := c.retryEngine(ctx, func() error {
		id, cerr := c.engine.Create(ctx, spec)
		if cerr != nil {
			return cerr
		}
		newID = id
		return nil
	})
	if err != nil {
		return c.failRecreate(name, err)
	}

	updated, err := c.registry.Mutate(name, func(m *models.ManagedInstance) {
		m.EngineID = newID
		m.Status = models.StatusStopped
	})
	if err != nil {
		return models.ManagedInstance{}, &OpError{Op: "recreate", Name: name, Err: err}
	}
	if c.audit != nil {
		c.audit.Record(name, models.StatusCreating, models.StatusStopped, "engine object created")
	}
	c.saver.RequestSave()

	if !andStart {
		return updated, nil
	}

	if _, err := c.setStatus(name, models.StatusStarting, "start requested"); err != nil {
		return models.ManagedInstance{}, &OpError{Op: "start", Name: name, Err: err}
	}
	if err := c.retryEngine(ctx, func() error { return c.engine.Start(ctx, newID) }); err != nil {
		updated, _ := c.setStatus(name, models.StatusFailed, "engine start failed")
		c.saver.RequestSave()
		return updated, &OpError{Op: "start", Name: name, Transient: engine.IsTransient(err), Err: err}
	}

	updated, err = c.setStatus(name, models.StatusRunning, "start complete")
	if err != nil {
		return models.ManagedInstance{}, &OpError{Op: "start", Name: name, Err: err}
	}
	c.saver.RequestSave()
	return updated, nil
}

func (c *Controller) failRecreate(name string, err error) (models.ManagedInstance, error) {
	updated, _ := c.setStatus(name, models.StatusFailed, "recreate failed")
	c.saver.RequestSave()
	return updated, &OpError{Op: "recreate", Name: name, Transient: engine.IsTransient(err), Err: err}
}

// SendCommand forwards one console line to the instance. Observers and
// console input bypass the lifecycle lock; they do not mutate the registry.
func (c *Controller) SendCommand(ctx context.Context, name, command string) error {
	snap, ok := c.registry.Snapshot(name)
	if !ok {
		return &OpError{Op: "command", Name: name, Err: ErrUnknownInstance}
	}
	if !snap.HasEngineObject() {
		return &OpError{Op: "command", Name: name, Err: engine.ErrNotFound}
	}
	if err := c.engine.SendCommand(ctx, snap.EngineID, command); err != nil {
		return &OpError{Op: "command", Name: name, Transient: engine.IsTransient(err), Err: err}
	}
	return nil
}

// Destroy stops and removes the engine object, then drops the record and its
// lock entry. Open streaming sessions are closed before teardown begins.
func (c *Controller) Destroy(ctx context.Context, name string) error {
	release, err := c.locks.Acquire(name, c.cfg.LockTimeout)
	if err != nil {
		c.record("destroy", err)
		return &OpError{Op: "destroy", Name: name, Err: err}
	}
	defer release()

	snap, ok := c.registry.Snapshot(name)
	if !ok {
		c.record("destroy", ErrUnknownInstance)
		return &OpError{Op: "destroy", Name: name, Err: ErrUnknownInstance}
	}

	c.closeSessions(name)

	if snap.HasEngineObject() {
		if err := c.engine.Stop(ctx, snap.EngineID, c.cfg.StopGracePeriod); err != nil && !engine.IsNotFound(err) && !engine.IsTransient(err) {
			c.record("destroy", err)
			return &OpError{Op: "destroy", Name: name, Err: err}
		}
		if err := c.retryEngine(ctx, func() error { return c.engine.Remove(ctx, snap.EngineID) }); err != nil && !engine.IsNotFound(err) {
			c.record("destroy", err)
			return &OpError{Op: "destroy", Name: name, Err: err}
		}
	}

	c.registry.Remove(name)
	c.locks.Forget(name)
	c.saver.RequestSave()
	c.record("destroy", nil)
	return nil
}

// Reconcile refreshes every record against the engine at startup. A
// not-found engine object clears the record back to Absent; anything else
// refreshes the status to what the engine reports.
func (c *Controller) Reconcile(ctx context.Context) {
	for _, inst := range c.registry.All() {
		if !inst.HasEngineObject() {
			continue
		}
		state, err := c.engine.Inspect(ctx, inst.EngineID)
		switch {
		case engine.IsNotFound(err):
			c.registry.Mutate(inst.Name, func(m *models.ManagedInstance) {
				m.EngineID = ""
				m.Status = models.StatusAbsent
			})
			c.log.Info("Engine object vanished while down; record reset", map[string]interface{}{"instance": inst.Name})
		case err != nil:
			c.log.Warn("Could not reconcile instance", map[string]interface{}{"instance": inst.Name, "error": err.Error()})
		case state.Running:
			c.registry.Mutate(inst.Name, func(m *models.ManagedInstance) { m.Status = models.StatusRunning })
		default:
			c.registry.Mutate(inst.Name, func(m *models.ManagedInstance) { m.Status = models.StatusStopped })
		}
	}
	c.saver.RequestSave()
}

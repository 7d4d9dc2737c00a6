// Package supervisor implements the generic watchdog shared by every
// monitored entry (§4.F): exponential backoff restart, a failure-window
// circuit breaker, and health-driven restart. It is the sole mutator of
// ProcessEntry state.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/constants"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/events"
	"github.com/OutfinityResearch/ploinky-sub003/internal/events/bus"
	"github.com/OutfinityResearch/ploinky-sub003/internal/health"
)

// State is one of the §4.F state machine's states.
type State string

const (
	StateStopped     State = "STOPPED"
	StateStarting    State = "STARTING"
	StateRunning     State = "RUNNING"
	StateStopping    State = "STOPPING"
	StateFailed      State = "FAILED"
	StateCircuitOpen State = "CIRCUIT_OPEN"
)

// Spawner is how a Supervisor entry actually starts and stops. The
// Lifecycle Engine's EnsureAgent/Stop satisfy this for container entries;
// a plain exec.Cmd-based spawner would satisfy it for a non-container
// child process.
type Spawner interface {
	Spawn(ctx context.Context, name string) error
	Terminate(ctx context.Context, name string, grace time.Duration) error
}

// EntryConfig registers one supervised entry.
type EntryConfig struct {
	Name             string
	AutoRestart      bool
	MaxRestarts      int // -1 (or 0) = unbounded
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	CircuitThreshold int
	CircuitWindow    time.Duration
}

func (c *EntryConfig) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = constants.SupervisorInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = constants.SupervisorMaxBackoff
	}
	if c.Multiplier == 0 {
		c.Multiplier = constants.SupervisorBackoffMultiplier
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = constants.SupervisorCircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = constants.SupervisorCircuitWindow
	}
}

// Status is a point-in-time snapshot of a ProcessEntry, safe to hand out
// (callers must not peek into private state, per §4.F).
type Status struct {
	Name           string
	State          State
	StartCount     int
	RestartCount   int
	LastStartAt    time.Time
	Backoff        time.Duration
	HealthFailures int
	LastError      string
	CircuitOpen    bool
}

type entry struct {
	cfg EntryConfig

	mu                sync.Mutex
	state             State
	autoRestart       bool
	startCount        int
	restartCount      int
	lastStartAt       time.Time
	backoff           time.Duration
	healthFailures    int
	lastError         string
	circuitOpen       bool
	failureTimestamps []time.Time
	circuitOpenedAt   time.Time
	restartTimer      *time.Timer
}

func newEntry(cfg EntryConfig) *entry {
	cfg.applyDefaults()
	return &entry{
		cfg:         cfg,
		state:       StateStopped,
		autoRestart: cfg.AutoRestart,
		backoff:     cfg.InitialBackoff,
	}
}

// Supervisor owns the ProcessEntry table and drives every entry's state
// machine. One mutex per entry (§5: "single mutex; state transitions are
// CAS-like under the lock"); the table mutex only ever guards the map
// itself, never an entry's transition.
type Supervisor struct {
	spawner Spawner
	eventBus bus.EventBus
	log     *logger.Logger

	tableMu sync.RWMutex
	entries map[string]*entry
}

var _ health.Restarter = (*Supervisor)(nil)
var _ health.EventSink = (*Supervisor)(nil)

// New builds a Supervisor. eventBus may be nil, in which case state
// transitions are logged but not published.
func New(spawner Spawner, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		spawner:  spawner,
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "supervisor")),
		entries:  make(map[string]*entry),
	}
}

// Register adds a new supervised entry in the STOPPED state. Re-registering
// an existing name replaces its config but not its runtime state.
func (s *Supervisor) Register(cfg EntryConfig) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if existing, ok := s.entries[cfg.Name]; ok {
		existing.mu.Lock()
		existing.cfg = cfg
		existing.cfg.applyDefaults()
		existing.mu.Unlock()
		return
	}
	s.entries[cfg.Name] = newEntry(cfg)
}

func (s *Supervisor) lookup(name string) (*entry, bool) {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// Start transitions STOPPED -> STARTING -> RUNNING (or FAILED on spawn
// error). A no-op, returning false, when the entry's circuit is open and
// the cooldown has not elapsed.
func (s *Supervisor) Start(ctx context.Context, name string) (bool, error) {
	e, ok := s.lookup(name)
	if !ok {
		return false, fmt.Errorf("supervisor: unknown entry %q", name)
	}

	e.mu.Lock()
	if e.circuitOpen {
		if time.Since(e.circuitOpenedAt) < e.cooldown() {
			e.mu.Unlock()
			return false, nil
		}
		e.circuitOpen = false
		e.failureTimestamps = nil
	}
	e.autoRestart = e.cfg.AutoRestart
	e.state = StateStarting
	e.mu.Unlock()

	if err := s.spawner.Spawn(ctx, name); err != nil {
		e.mu.Lock()
		e.state = StateFailed
		e.lastError = err.Error()
		e.mu.Unlock()
		s.publish(name, events.SupervisorError, map[string]interface{}{"error": err.Error()})
		return false, err
	}

	e.mu.Lock()
	e.state = StateRunning
	e.startCount++
	e.restartCount = 0
	e.backoff = e.cfg.InitialBackoff
	e.lastStartAt = time.Now()
	e.mu.Unlock()

	s.publish(name, events.SupervisorStarted, nil)
	return true, nil
}

// Stop transitions RUNNING -> STOPPING -> STOPPED. Disables auto-restart
// for this entry until the next explicit Start (§4.F tie-break ii).
func (s *Supervisor) Stop(ctx context.Context, name string, grace time.Duration) error {
	e, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown entry %q", name)
	}

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.autoRestart = false
	e.state = StateStopping
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.mu.Unlock()

	if grace == 0 {
		grace = constants.ChildStopGrace
	}
	err := s.spawner.Terminate(ctx, name, grace)

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(name, events.SupervisorStopped, nil)
	return nil
}

// Restart applies the crash-loop/circuit-breaker policy and re-spawns the
// entry. Used both for explicit operator-triggered restarts and, via
// RestartContainer, for liveness-probe-driven restarts.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown entry %q", name)
	}
	return s.restartEntry(ctx, name, e)
}

func (s *Supervisor) restartEntry(ctx context.Context, name string, e *entry) error {
	e.mu.Lock()
	if e.circuitOpen {
		remaining := e.cooldown() - time.Since(e.circuitOpenedAt)
		if remaining < 0 {
			remaining = 0
		}
		e.mu.Unlock()
		return apperrors.CircuitOpen(name, int(remaining.Seconds()))
	}

	now := time.Now()
	e.failureTimestamps = append(e.failureTimestamps, now)
	e.failureTimestamps = withinWindow(e.failureTimestamps, now, e.cfg.CircuitWindow)
	if len(e.failureTimestamps) >= e.cfg.CircuitThreshold {
		e.circuitOpen = true
		e.circuitOpenedAt = now
		e.state = StateCircuitOpen
		e.mu.Unlock()
		s.publish(name, events.SupervisorCircuitOpen, nil)
		return apperrors.CircuitOpen(name, int(e.cooldown().Seconds()))
	}

	if e.cfg.MaxRestarts > 0 && e.restartCount >= e.cfg.MaxRestarts {
		e.state = StateFailed
		e.mu.Unlock()
		s.publish(name, events.SupervisorMaxRestarts, nil)
		return fmt.Errorf("supervisor: %q exceeded max restarts (%d)", name, e.cfg.MaxRestarts)
	}

	e.restartCount++
	e.state = StateStarting
	e.mu.Unlock()
	s.publish(name, events.SupervisorRestarting, map[string]interface{}{"restart_count": e.restartCount})

	_ = s.spawner.Terminate(ctx, name, constants.ChildStopGrace)

	if err := s.spawner.Spawn(ctx, name); err != nil {
		e.mu.Lock()
		e.state = StateFailed
		e.lastError = err.Error()
		e.mu.Unlock()
		s.publish(name, events.SupervisorError, map[string]interface{}{"error": err.Error()})
		return err
	}

	e.mu.Lock()
	e.state = StateRunning
	e.lastStartAt = time.Now()
	e.mu.Unlock()
	s.publish(name, events.SupervisorStarted, nil)
	return nil
}

// RestartContainer implements health.Restarter: the liveness probe loop
// calls this directly on a liveness failure. A circuit-open entry returns
// the same *apperrors.AppError the Loop checks for via apperrors.IsKind.
func (s *Supervisor) RestartContainer(ctx context.Context, containerName string) error {
	return s.Restart(ctx, containerName)
}

// ProbeWarning implements health.EventSink: readiness failures never
// restart, they only warn (§4.D).
func (s *Supervisor) ProbeWarning(containerName string, kind health.Kind, message string) {
	s.log.Warn("probe warning", zap.String("entry", containerName), zap.String("kind", string(kind)), zap.String("message", message))
	s.publish(containerName, events.SupervisorHealthFail, map[string]interface{}{"kind": string(kind), "message": message})
}

// CircuitOpen implements health.EventSink, invoked by a Loop that observed
// RestartContainer refuse with a circuit-open error. The entry is already
// in CIRCUIT_OPEN from restartEntry; this only republishes for observers
// that only watch the health package's sink, not the event bus.
func (s *Supervisor) CircuitOpen(containerName string) {
	s.publish(containerName, events.SupervisorCircuitOpen, nil)
}

// ResetCircuit forces an entry out of CIRCUIT_OPEN, allowing an immediate
// retry (S3 scenario).
func (s *Supervisor) ResetCircuit(name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown entry %q", name)
	}
	e.mu.Lock()
	e.circuitOpen = false
	e.failureTimestamps = nil
	e.state = StateStopped
	e.mu.Unlock()
	s.publish(name, events.SupervisorCircuitReset, nil)
	return nil
}

// HandleExit is the Container Monitor's callback for die|kill|stop events
// (§4.E). An exit while STOPPING is the expected result of a Stop() call;
// any other exit is unexpected and triggers the auto-restart policy.
func (s *Supervisor) HandleExit(ctx context.Context, name string, exitCode int) {
	e, ok := s.lookup(name)
	if !ok {
		return
	}

	e.mu.Lock()
	wasStopping := e.state == StateStopping
	e.state = StateStopped
	autoRestart := e.autoRestart
	e.mu.Unlock()

	if wasStopping {
		s.publish(name, events.SupervisorStopped, map[string]interface{}{"exit_code": exitCode})
		return
	}

	s.publish(name, events.SupervisorExited, map[string]interface{}{"exit_code": exitCode})

	if !autoRestart {
		return
	}

	e.mu.Lock()
	if e.circuitOpen {
		e.mu.Unlock()
		return
	}
	delay := e.backoff
	e.backoff = time.Duration(float64(e.backoff) * e.cfg.Multiplier)
	if e.backoff > e.cfg.MaxBackoff {
		e.backoff = e.cfg.MaxBackoff
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	e.restartTimer = time.AfterFunc(delay, func() {
		_ = s.restartEntry(ctx, name, e)
	})
	e.mu.Unlock()
}

// Status returns a snapshot for one entry.
func (s *Supervisor) Status(name string) (Status, bool) {
	e, ok := s.lookup(name)
	if !ok {
		return Status{}, false
	}
	return snapshot(name, e), true
}

// StatusAll returns a snapshot of every registered entry.
func (s *Supervisor) StatusAll() map[string]Status {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	out := make(map[string]Status, len(s.entries))
	for name, e := range s.entries {
		out[name] = snapshot(name, e)
	}
	return out
}

func snapshot(name string, e *entry) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Name:           name,
		State:          e.state,
		StartCount:     e.startCount,
		RestartCount:   e.restartCount,
		LastStartAt:    e.lastStartAt,
		Backoff:        e.backoff,
		HealthFailures: e.healthFailures,
		LastError:      e.lastError,
		CircuitOpen:    e.circuitOpen,
	}
}

// Shutdown forces every entry's autoRestart false, cancels pending restart
// timers, and stops every running entry (§4.F tie-break iv).
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.tableMu.RLock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.tableMu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx, name, constants.ChildStopGrace); err != nil {
				s.log.Warn("shutdown stop failed", zap.String("entry", name), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (e *entry) cooldown() time.Duration {
	return e.cfg.CircuitWindow
}

// withinWindow drops failure timestamps older than window, keeping the
// slice bounded regardless of how long an entry has been flapping.
func withinWindow(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (s *Supervisor) publish(name, eventType string, data map[string]interface{}) {
	s.log.Info("supervisor event", zap.String("entry", name), zap.String("event", eventType))
	if s.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "supervisor", data)
	if err := s.eventBus.Publish(context.Background(), events.SupervisorSubject(name, eventType), ev); err != nil {
		s.log.Warn("event publish failed", zap.String("entry", name), zap.Error(err))
	}
}

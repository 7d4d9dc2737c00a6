// Package monitor implements the Container Monitor (§4.E): a long-lived
// consumer of the Runtime Adapter's event stream plus a periodic
// reconciliation pass against the Workspace Store, driving the Health
// Prober and Supervisor as containers come and go.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/constants"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/health"
	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

// ExitHandler receives the die|kill|stop event cascade (§4.E). The
// Supervisor satisfies this.
type ExitHandler interface {
	HandleExit(ctx context.Context, name string, exitCode int)
}

// reconcileDelay is the fixed pause before restarting the event stream
// after EOF/error (§4.E: "restarts the stream with a short fixed delay").
const reconcileDelay = 2 * time.Second

// Monitor consumes the Runtime Adapter's event stream and reconciles the
// tracked container set against the Workspace Store every
// MonitorReconcileInterval.
type Monitor struct {
	rt     runtime.ContainerRuntime
	st     *store.Store
	health *health.Manager
	exit   ExitHandler
	log    *logger.Logger

	mu      sync.Mutex
	tracked map[string]bool // container name -> currently tracked
	healthy map[string]bool // container name -> last known health
}

// New builds a Container Monitor.
func New(rt runtime.ContainerRuntime, st *store.Store, healthMgr *health.Manager, exit ExitHandler, log *logger.Logger) *Monitor {
	return &Monitor{
		rt:      rt,
		st:      st,
		health:  healthMgr,
		exit:    exit,
		log:     log.WithFields(zap.String("component", "monitor")),
		tracked: make(map[string]bool),
		healthy: make(map[string]bool),
	}
}

// Run drives both the event-stream consumer and the periodic reconciler
// until ctx is cancelled. Each runs in its own goroutine; Run blocks until
// both return.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.consumeEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		m.reconcileLoop(ctx)
	}()
	wg.Wait()
}

// consumeEvents opens the Runtime Adapter's event stream and applies the
// §4.E event -> action map, reopening the stream on EOF/error after
// reconcileDelay.
func (m *Monitor) consumeEvents(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := m.rt.Events(ctx, nil)
		if err != nil {
			m.log.Warn("event stream open failed, retrying", zap.Error(err))
			if !sleepOrDone(ctx, reconcileDelay) {
				return
			}
			continue
		}

		m.drain(ctx, stream)

		if !sleepOrDone(ctx, reconcileDelay) {
			return
		}
	}
}

func (m *Monitor) drain(ctx context.Context, stream *runtime.EventStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		case err, ok := <-stream.Err:
			if ok && err != nil {
				m.log.Warn("event stream error", zap.Error(err))
			}
			return
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev runtime.Event) {
	switch ev.Action {
	case runtime.EventStart:
		m.log.Debug("container started", zap.String("container", ev.Name))
	case runtime.EventDie, runtime.EventKill, runtime.EventStop:
		exitCode := 0
		if raw, ok := ev.Attributes["exitCode"]; ok {
			if parsed, err := strconv.Atoi(raw); err == nil {
				exitCode = parsed
			}
		}
		m.exit.HandleExit(ctx, ev.Name, exitCode)
	case runtime.EventHealth:
		m.handleHealthStatus(ev)
	}
}

func (m *Monitor) handleHealthStatus(ev runtime.Event) {
	status := ev.Attributes["health_status"]
	healthy := status == "healthy"

	m.mu.Lock()
	prev, known := m.healthy[ev.Name]
	m.healthy[ev.Name] = healthy
	m.mu.Unlock()

	if known && prev == healthy {
		return
	}
	if !healthy {
		m.exit.HandleExit(context.Background(), ev.Name, -1)
	}
}

// reconcileLoop diffs the tracked container set against the Workspace
// Store every MonitorReconcileInterval: newly declared agents get a probe
// worker started, removed agents get untracked.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	m.reconcile(ctx)

	ticker := time.NewTicker(constants.MonitorReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	agents := m.st.LoadAgents()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(agents))
	for name, rec := range agents {
		seen[name] = true
		if m.tracked[name] {
			continue
		}
		m.tracked[name] = true
		m.health.Track(ctx, name, struct {
			Liveness  store.HealthProbe
			Readiness store.HealthProbe
		}{Liveness: rec.Manifest.Health.Liveness, Readiness: rec.Manifest.Health.Readiness})
		m.log.Info("tracking new agent", zap.String("agent", name))
	}

	for name := range m.tracked {
		if seen[name] {
			continue
		}
		m.health.Untrack(name)
		delete(m.tracked, name)
		delete(m.healthy, name)
		m.log.Info("untracked removed agent", zap.String("agent", name))
	}
}

// sleepOrDone waits for d or ctx cancellation, returning false if cancelled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

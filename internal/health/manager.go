package health

import (
	"context"
	"sync"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

// Manager owns the set of active probe loops, one liveness + one readiness
// per tracked container. The Container Monitor calls Track/Untrack as it
// reconciles against the Workspace Store (§4.E).
type Manager struct {
	rt        runtime.ContainerRuntime
	restarter Restarter
	sink      EventSink
	log       *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	loops   map[string][2]*Loop // [liveness, readiness]
}

// NewManager builds a probe-loop Manager.
func NewManager(rt runtime.ContainerRuntime, restarter Restarter, sink EventSink, log *logger.Logger) *Manager {
	return &Manager{
		rt:        rt,
		restarter: restarter,
		sink:      sink,
		log:       log,
		cancels:   make(map[string]context.CancelFunc),
		loops:     make(map[string][2]*Loop),
	}
}

// Track starts liveness and readiness loops for containerName if not
// already tracked. Re-calling with a different manifest health spec
// restarts the loops with the new config (used when EnsureAgent recreates
// a container).
func (m *Manager) Track(ctx context.Context, containerName string, health struct {
	Liveness  store.HealthProbe
	Readiness store.HealthProbe
}) {
	m.Untrack(containerName)

	m.mu.Lock()
	defer m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	liveness := NewLoop(containerName, Liveness, health.Liveness, m.rt, m.restarter, m.sink, m.log)
	readiness := NewLoop(containerName, Readiness, health.Readiness, m.rt, m.restarter, m.sink, m.log)

	m.cancels[containerName] = cancel
	m.loops[containerName] = [2]*Loop{liveness, readiness}

	go liveness.Run(loopCtx)
	go readiness.Run(loopCtx)
}

// Untrack stops and removes any loops for containerName.
func (m *Manager) Untrack(containerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[containerName]; ok {
		cancel()
		delete(m.cancels, containerName)
		delete(m.loops, containerName)
	}
}

// Ready reports whether containerName's readiness loop currently considers
// it healthy. Used by the Router to gate 503 responses (§4.G). A container
// with no readiness probe declared is always considered ready.
func (m *Manager) Ready(containerName string) bool {
	m.mu.Lock()
	loops, ok := m.loops[containerName]
	m.mu.Unlock()
	if !ok {
		return false
	}
	readiness := loops[1]
	if readiness.probe.Script == "" {
		return true
	}
	return readiness.Healthy()
}

// TrackedNames returns the containers currently probed.
func (m *Manager) TrackedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loops))
	for name := range m.loops {
		names = append(names, name)
	}
	return names
}

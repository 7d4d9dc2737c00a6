// Package app holds the Lifecycle Orchestrator's shutdown-ordering logic,
// split out of cmd/ploinkyd so it can be exercised without a real process
// tree (§4.I, §5: "(I) coordinates shutdown so (H) drains before (F) kills
// children and (A) stops containers").
package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

// Drainer is satisfied by a Session Multiplexer: stop accepting new
// streams, close every live one.
type Drainer interface {
	Drain(ctx context.Context)
}

// SupervisorStopper is satisfied by the Supervisor: stop every watchdog
// entry without restarting it.
type SupervisorStopper interface {
	Shutdown(ctx context.Context)
}

// FleetStopper is satisfied by the Lifecycle Engine: stop every agent's
// container.
type FleetStopper interface {
	StopFleet(ctx context.Context, agents map[string]store.AgentRecord, fast bool) error
}

// ShutdownCoordinator runs the three-phase drain order the rest of this
// package is named for. Each phase's errors are logged, never fatal — a
// slow or failing agent must not block the others from being asked to stop.
type ShutdownCoordinator struct {
	sessions   []Drainer
	supervisor SupervisorStopper
	engine     FleetStopper
	st         *store.Store
	log        *logger.Logger
}

// NewShutdownCoordinator builds a coordinator over the Session
// Multiplexers (H), the Supervisor (F), and the Lifecycle Engine (A/C).
func NewShutdownCoordinator(sessions []Drainer, supervisor SupervisorStopper, engine FleetStopper, st *store.Store, log *logger.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		sessions:   sessions,
		supervisor: supervisor,
		engine:     engine,
		st:         st,
		log:        log.WithFields(zap.String("component", "shutdown")),
	}
}

// Shutdown runs the ordered drain: every Session Multiplexer first (so an
// open terminal gets an `event: close` frame instead of a severed
// connection), then the Supervisor (so no watchdog restarts a container out
// from under the fleet-stop below), then the fleet's containers, fast (the
// process is already exiting; there is no reason to wait out the full
// graceful-stop grace per agent).
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range c.sessions {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Drain(ctx)
		}()
	}
	wg.Wait()
	c.log.Info("session multiplexers drained")

	c.supervisor.Shutdown(ctx)
	c.log.Info("supervisor stopped")

	agents := c.st.LoadAgents()
	if err := c.engine.StopFleet(ctx, agents, true); err != nil {
		c.log.Warn("fleet stop returned error", zap.Error(err))
	}
	c.log.Info("fleet stopped")
}

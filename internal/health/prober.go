// Package health implements the Health Prober (§4.D): one liveness and one
// readiness probe loop per container, with streak counters, crash-loop
// backoff, and restart triggers routed through the Supervisor.
package health

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/constants"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/runtime"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

var unsafeScriptName = regexp.MustCompile(`[/\\]|\.\.`)

// Kind distinguishes liveness from readiness (§4.D).
type Kind string

const (
	Liveness  Kind = "liveness"
	Readiness Kind = "readiness"
)

// Restarter is the callback the prober invokes on a liveness failure; the
// Supervisor is the concrete implementation so restart bookkeeping (backoff,
// circuit breaker) lives in exactly one place (§4.F).
type Restarter interface {
	RestartContainer(ctx context.Context, containerName string) error
}

// EventSink receives readiness-warning and circuit-open notifications.
type EventSink interface {
	ProbeWarning(containerName string, kind Kind, message string)
	CircuitOpen(containerName string)
}

// Loop runs one probe (liveness or readiness) for one container.
type Loop struct {
	containerName string
	kind          Kind
	probe         store.HealthProbe
	rt            runtime.ContainerRuntime
	restarter     Restarter
	sink          EventSink
	log           *logger.Logger

	mu               sync.Mutex
	successStreak    int
	failureStreak    int
	healthy          bool
	retryCount       int
	lastStartAt      time.Time
}

// NewLoop builds a probe loop. probe.Script == "" means the loop is a no-op
// (liveness/readiness are both optional, §4.D).
func NewLoop(containerName string, kind Kind, probe store.HealthProbe, rt runtime.ContainerRuntime, restarter Restarter, sink EventSink, log *logger.Logger) *Loop {
	if probe.TimeoutSec == 0 {
		probe.TimeoutSec = int(constants.DefaultProbeTimeout.Seconds())
	}
	if probe.FailureThreshold == 0 {
		probe.FailureThreshold = 1
	}
	if probe.SuccessThreshold == 0 {
		probe.SuccessThreshold = 1
	}
	return &Loop{
		containerName: containerName,
		kind:          kind,
		probe:         probe,
		rt:            rt,
		restarter:     restarter,
		sink:          sink,
		log:           log.WithFields(zap.String("component", "health"), zap.String("container", containerName), zap.String("kind", string(kind))),
		healthy:       true,
	}
}

// Run executes one probe attempt immediately, then repeats every
// probe.IntervalSec until ctx is cancelled. It is cooperative: this
// goroutine may suspend on the exec call; liveness and readiness loops for
// the same container are independent and never block each other.
func (l *Loop) Run(ctx context.Context) {
	if l.probe.Script == "" {
		return
	}

	if unsafeScriptName.MatchString(l.probe.Script) {
		l.log.Error("probe script name rejected", zap.String("script", l.probe.Script))
		return
	}

	interval := time.Duration(l.probe.IntervalSec) * time.Second
	if interval <= 0 {
		interval = constants.DefaultProbeInterval
	}

	l.attempt(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.attempt(ctx)
		}
	}
}

func (l *Loop) attempt(ctx context.Context) {
	timeout := time.Duration(l.probe.TimeoutSec) * time.Second
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := l.rt.Exec(probeCtx, l.containerName, []string{"/code/" + l.probe.Script}, runtime.ExecOptions{})
	success := err == nil && result != nil && result.ExitCode == 0
	if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		success = false
	}

	l.mu.Lock()
	if success {
		l.successStreak++
		l.failureStreak = 0
	} else {
		l.failureStreak++
		l.successStreak = 0
	}
	failureThreshold := l.probe.FailureThreshold
	successThreshold := l.probe.SuccessThreshold
	wasHealthy := l.healthy
	becameHealthy := !wasHealthy && l.successStreak >= successThreshold
	becameUnhealthy := wasHealthy && l.failureStreak >= failureThreshold
	if becameHealthy {
		l.healthy = true
	}
	if becameUnhealthy {
		l.healthy = false
	}
	l.mu.Unlock()

	if becameUnhealthy {
		l.onFailed(ctx)
	}
}

func (l *Loop) onFailed(ctx context.Context) {
	switch l.kind {
	case Readiness:
		l.sink.ProbeWarning(l.containerName, Readiness, "readiness probe failed")
	case Liveness:
		l.restartWithBackoff(ctx)
	}
}

// restartWithBackoff implements the crash-loop policy (§4.D): restart, wait
// running (delegated to the Supervisor/Runtime Adapter), then delay
// min(BASE*2^retryCount, MAX) before this container is eligible to restart
// again on a further failure; retryCount resets after resetWindow of
// continuous running since the last start.
func (l *Loop) restartWithBackoff(ctx context.Context) {
	l.mu.Lock()
	if !l.lastStartAt.IsZero() && time.Since(l.lastStartAt) >= constants.CrashLoopResetWindow {
		l.retryCount = 0
	}
	retryCount := l.retryCount
	l.retryCount++
	l.lastStartAt = time.Now()
	l.mu.Unlock()

	if err := l.restarter.RestartContainer(ctx, l.containerName); err != nil {
		if apperrors.IsKind(err, apperrors.KindCircuitOpen) {
			l.sink.CircuitOpen(l.containerName)
			return
		}
		l.log.Error("liveness restart failed", zap.Error(err))
		return
	}

	delay := backoffDelay(retryCount)
	l.log.Info("liveness restart issued", zap.Int("retry_count", retryCount), zap.Duration("backoff", delay))
	time.Sleep(delay)
}

func backoffDelay(retryCount int) time.Duration {
	delay := constants.CrashLoopBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= constants.CrashLoopMax {
			return constants.CrashLoopMax
		}
	}
	return delay
}

// Healthy reports the loop's current streak-derived health state.
func (l *Loop) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthy
}

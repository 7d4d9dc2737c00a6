// Package constants provides fleet-wide default timeouts. Some values here
// also have a Config field (internal/common/config); these are the literal
// defaults §4.D/§4.F/§5 specify, used where a timeout is needed before
// config is available or as a fallback when a manifest omits one.
package constants

import "time"

const (
	// DefaultProbeTimeout is the per-attempt exec timeout for a health probe
	// when the manifest does not declare one (§4.D).
	DefaultProbeTimeout = 5 * time.Second

	// HookTimeout bounds install/postinstall/hosthook exec calls; a hook that
	// runs longer than this is treated as a HookError.
	HookTimeout = 5 * time.Minute

	// ShutdownDeadline is the hard deadline for graceful drain (§4.H, §5);
	// after it elapses the process force-kills children and exits.
	ShutdownDeadline = 10 * time.Second

	// ChildStopGrace is how long a spawned child gets between SIGTERM and
	// SIGKILL during fleet stop/destroy and process shutdown (§5).
	ChildStopGrace = 10 * time.Second

	// FastStopGrace collapses ChildStopGrace for StopFleet/DestroyFleet
	// calls made with {fast: true} (§4.C).
	FastStopGrace = 100 * time.Millisecond

	// PTYForceKillGrace is how long a disposed PTY's captured pid is given
	// before being force-killed (§4.H).
	PTYForceKillGrace = 2 * time.Second

	// ReconnectDebounce rejects a second SSE open on the same tab within
	// this window (§4.H).
	ReconnectDebounce = 1 * time.Second

	// MonitorReconcileInterval is how often the Container Monitor diffs its
	// tracked set against the Workspace Store (§4.E).
	MonitorReconcileInterval = 10 * time.Second

	// DefaultProbeInterval is the per-container probe cadence a newly
	// tracked agent gets absent a manifest override (§4.E).
	DefaultProbeInterval = 15 * time.Second

	// CrashLoopBase and CrashLoopMax bound the liveness-restart backoff
	// delay = min(CrashLoopBase * 2^retryCount, CrashLoopMax) (§4.D).
	CrashLoopBase = 10 * time.Second
	CrashLoopMax  = 300 * time.Second

	// CrashLoopResetWindow is how long a container must run continuously
	// since its last start before retryCount resets to zero (§4.D).
	CrashLoopResetWindow = 600 * time.Second

	// SSEKeepaliveInterval is a keepalive cadence for SSE streams (§6). No
	// code in the module reads it: the Session Multiplexer's streams send no
	// `event: ping` keepalive frames.
	SSEKeepaliveInterval = 30 * time.Second

	// ProxyIdleTimeout is the default idle timeout for non-SSE proxied
	// requests (§5). SSE connections are exempt.
	ProxyIdleTimeout = 30 * time.Second

	// Supervisor restart-backoff and circuit-breaker defaults (§4.F).
	SupervisorInitialBackoff = 1 * time.Second
	SupervisorMaxBackoff     = 30 * time.Second
	SupervisorBackoffMultiplier = 2

	// SupervisorCircuitThreshold/Window: failures >= Threshold within Window
	// trip the circuit breaker open.
	SupervisorCircuitThreshold = 5
	SupervisorCircuitWindow    = 60 * time.Second

	// Supervisor-managed health probe defaults for non-container entries
	// (§4.F); container entries get their health from the Health Prober.
	SupervisorHealthInterval  = 30 * time.Second
	SupervisorHealthTimeout   = 5 * time.Second
	SupervisorHealthThreshold = 3

	// MaxGlobalTTYs is the fleet-wide concurrent PTY cap per app (§4.H).
	// Over-cap opens are rejected 503 Retry-After: 30.
	MaxGlobalTTYs = 20

	// MaxConcurrentTTYs is the per-session concurrent PTY cap per app
	// (§4.H). Over-cap opens are rejected 429 Retry-After: 5.
	MaxConcurrentTTYs = 3
)

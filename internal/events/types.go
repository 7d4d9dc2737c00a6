// Package events provides the fixed, typed event subjects the Supervisor,
// Container Monitor, and Session Multiplexer publish on — the NATS-subject
// convention the in-memory/NATS bus both speak (§9: "a fixed typed event
// enum per component ... no dynamic dispatch on strings at call sites").
package events

// Supervisor entry events (§4.F). Subject: "supervisor.<name>.<event>".
const (
	SupervisorStarted     = "started"
	SupervisorExited      = "exited"
	SupervisorStopped     = "stopped"
	SupervisorRestarting  = "restarting"
	SupervisorError       = "error"
	SupervisorHealthOK    = "health_ok"
	SupervisorHealthFail  = "health_failed"
	SupervisorCircuitOpen = "circuit_open"
	SupervisorCircuitReset = "circuit_reset"
	SupervisorMaxRestarts = "max_restarts"
)

// Container Monitor events (§4.E). Subject: "monitor.<container>.<event>".
const (
	MonitorContainerAdded   = "added"
	MonitorContainerRemoved = "removed"
	MonitorHealthy          = "healthy"
	MonitorUnhealthy        = "unhealthy"
)

// SupervisorSubject builds the subject a Supervisor entry's events are
// published on.
func SupervisorSubject(name, event string) string {
	return "supervisor." + name + "." + event
}

// SupervisorWildcardSubject subscribes to all events for one entry.
func SupervisorWildcardSubject(name string) string {
	return "supervisor." + name + ".*"
}

// MonitorSubject builds the subject a Container Monitor event is published on.
func MonitorSubject(container, event string) string {
	return "monitor." + container + "." + event
}

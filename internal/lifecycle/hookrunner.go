package lifecycle

import (
	"context"
	"os/exec"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/stringutil"
)

// maxHookOutputLen bounds the diagnostic output a HostHookError carries; a
// runaway hook that prints megabytes must not balloon every log line and
// error response that wraps it.
const maxHookOutputLen = 4000

// ShellHookRunner runs a hosthook command on the supervisor's own host via
// the system shell, outside any container. (The Session Multiplexer's
// CommandFactory is the module's other host-process spawner.)
type ShellHookRunner struct{}

func (ShellHookRunner) Run(ctx context.Context, command string, env []string, workDir string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &HostHookError{Command: command, Output: stringutil.TruncateStringWithEllipsis(string(out), maxHookOutputLen), Err: err}
	}
	return nil
}

// HostHookError carries the hook's combined output for diagnostics.
type HostHookError struct {
	Command string
	Output  string
	Err     error
}

func (e *HostHookError) Error() string {
	return "hosthook failed: " + e.Command + ": " + e.Err.Error() + "\n" + e.Output
}

func (e *HostHookError) Unwrap() error { return e.Err }

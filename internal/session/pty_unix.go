//go:build !windows

package session

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPty wraps a Unix PTY master file descriptor.
type unixPty struct {
	f   *os.File
	cmd *exec.Cmd
}

func (p *unixPty) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPty) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPty) Close() error                { return p.f.Close() }

func (p *unixPty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// CommandFactory is the default TtyFactory: it spawns Argv in a fresh PTY of
// the requested dimensions via creack/pty.
type CommandFactory struct {
	Argv []string
	Dir  string
	Env  []string
}

func (f *CommandFactory) Start(cols, rows uint16) (PtyHandle, int, error) {
	if len(f.Argv) == 0 {
		return nil, 0, fmt.Errorf("session: empty command")
	}
	cmd := exec.Command(f.Argv[0], f.Argv[1:]...)
	cmd.Dir = f.Dir
	if f.Env != nil {
		cmd.Env = f.Env
	}

	fh, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, 0, err
	}

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	return &unixPty{f: fh, cmd: cmd}, pid, nil
}

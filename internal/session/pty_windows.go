//go:build windows

package session

import (
	"fmt"
	"os"

	"github.com/UserExistsError/conpty"
)

// windowsPty wraps a Windows ConPTY pseudo-console.
type windowsPty struct {
	cpty *conpty.ConPty
}

func (p *windowsPty) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPty) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPty) Close() error                { return p.cpty.Close() }

func (p *windowsPty) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// CommandFactory is the default TtyFactory on Windows: it starts Argv under
// ConPTY at the requested dimensions.
type CommandFactory struct {
	Argv []string
	Dir  string
	Env  []string
}

func (f *CommandFactory) Start(cols, rows uint16) (PtyHandle, int, error) {
	if len(f.Argv) == 0 {
		return nil, 0, fmt.Errorf("session: empty command")
	}

	cmdLine := buildCmdLine(f.Argv)
	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(int(cols), int(rows))}
	if f.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(f.Dir))
	}
	if f.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(f.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, 0, err
	}

	pid := int(cpty.Pid())
	if _, err := os.FindProcess(pid); err != nil {
		_ = cpty.Close()
		return nil, 0, fmt.Errorf("session: ConPTY process %d not found: %w", pid, err)
	}

	return &windowsPty{cpty: cpty}, pid, nil
}

func buildCmdLine(argv []string) string {
	line := ""
	for i, a := range argv {
		if i > 0 {
			line += " "
		}
		line += escapeArg(a)
	}
	return line
}

func escapeArg(a string) string {
	needsQuote := false
	for _, r := range a {
		if r == ' ' || r == '\t' {
			needsQuote = true
			break
		}
	}
	if !needsQuote {
		return a
	}
	return "\"" + a + "\""
}

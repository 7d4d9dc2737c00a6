// Package session implements the Session Multiplexer (§4.H): per-app
// session/tab state, SSE output fan-out, and PTY create/write/resize/close,
// gated by the global and per-session concurrent-terminal caps and the
// reconnect debounce.
package session

import "io"

// PtyHandle abstracts PTY operations across Unix and Windows:
// creack/pty's *os.File on Unix, Windows ConPTY on Windows.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// TtyFactory starts a new PTY-backed process at the given dimensions and
// returns its handle and OS pid (0 if unknown). A Multiplexer calls this
// once per Tab, on that tab's first stream open.
type TtyFactory interface {
	Start(cols, rows uint16) (handle PtyHandle, pid int, err error)
}

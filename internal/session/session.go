package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/constants"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
)

// sink is the live SSE consumer bound to one Tab.
type sink struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	done      chan struct{}
	closeOnce sync.Once
}

func (s *sink) write(event, data string) error {
	var err error
	if event != "" {
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	} else {
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	}
	if err == nil && s.flusher != nil {
		s.flusher.Flush()
	}
	return err
}

func (s *sink) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Tab is one PTY-backed terminal within a Session (§3). tty is owned by the
// Tab that created it and released on disconnect or forced drain; at most
// one sink is bound at a time, and rebinding it never kills tty.
type Tab struct {
	id        string
	tty       PtyHandle
	pid       int
	createdAt time.Time

	mu            sync.Mutex
	lastConnectAt time.Time
	sink          *sink
}

func (t *Tab) bind(s *sink) *sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sink
	t.sink = s
	return old
}

func (t *Tab) emit(data []byte) {
	t.mu.Lock()
	s := t.sink
	t.mu.Unlock()
	if s == nil {
		return
	}
	payload, err := json.Marshal(string(data))
	if err != nil {
		return
	}
	_ = s.write("", string(payload))
}

func (t *Tab) emitClose() {
	t.mu.Lock()
	s := t.sink
	t.sink = nil
	t.mu.Unlock()
	if s != nil {
		_ = s.write("close", "{}")
		s.close()
	}
}

// readLoop pumps PTY output to whichever sink is currently bound until the
// PTY itself closes (process exit or forced dispose).
func (t *Tab) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := t.tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.emit(chunk)
		}
		if err != nil {
			t.emitClose()
			return
		}
	}
}

// Session is one app-scoped browser session (§3): a random 128-bit id
// carried in a scoped cookie, owning a map of tabs.
type Session struct {
	id        string
	createdAt time.Time

	mu   sync.Mutex
	tabs map[string]*Tab
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform RNG is broken; there is no
		// safe fallback for a session identifier, so this is fatal.
		panic(fmt.Sprintf("session: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// WebChatAttachment is one attachment reference in a WebChat envelope (§4.H).
type WebChatAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	MIME        string `json:"mime"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	LocalPath   string `json:"localPath,omitempty"`
}

// WebChatEnvelope is the WebChat app's input wire format (§4.H).
type WebChatEnvelope struct {
	WebchatMessage int                 `json:"__webchatMessage"`
	Version        int                 `json:"version"`
	Text           string              `json:"text"`
	Attachments    []WebChatAttachment `json:"attachments,omitempty"`
}

// Multiplexer owns every Session for one app (webtty, webchat, or webmeet).
// The Router mounts one Multiplexer-backed Dispatcher entry per app.
type Multiplexer struct {
	app     string
	factory TtyFactory
	log     *logger.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	draining   bool
	globalTTYs int
	drainCh    chan struct{}
	drainOnce  sync.Once
}

// NewMultiplexer builds a Multiplexer for one app, using factory to start
// each tab's PTY.
func NewMultiplexer(app string, factory TtyFactory, log *logger.Logger) *Multiplexer {
	return &Multiplexer{
		app:      app,
		factory:  factory,
		log:      log.WithFields(zap.String("component", "session"), zap.String("app", app)),
		sessions: make(map[string]*Session),
		drainCh:  make(chan struct{}),
	}
}

func (m *Multiplexer) getOrCreateSessionLocked(id string) (*Session, bool) {
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			return s, false
		}
	}
	s := &Session{id: newSessionID(), createdAt: time.Now(), tabs: make(map[string]*Tab)}
	m.sessions[s.id] = s
	return s, true
}

// OpenStream implements GET /<app>/stream?tabId=T (§4.H): it enforces the
// global/per-session caps and the reconnect debounce, creates the tab's PTY
// on first open (otherwise rebinds the sink to the existing tab), and
// blocks streaming SSE frames until the client disconnects, a newer stream
// supersedes this one, or the Multiplexer drains. c.Writer must already be
// writable; OpenStream sets the SSE headers itself.
func (m *Multiplexer) OpenStream(c *gin.Context, sessionID, tabID string) *apperrors.AppError {
	if tabID == "" {
		return apperrors.Internal("missing_tab_id", "tabId is required", nil)
	}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return apperrors.CapacityExceeded("draining", "server is shutting down", http.StatusServiceUnavailable, 5)
	}
	sess, isNew := m.getOrCreateSessionLocked(sessionID)
	m.mu.Unlock()

	if isNew {
		setSessionCookie(c, m.app, sess.id)
	}

	sess.mu.Lock()
	tab, tabExists := sess.tabs[tabID]
	if !tabExists && len(sess.tabs) >= constants.MaxConcurrentTTYs {
		sess.mu.Unlock()
		return apperrors.CapacityExceeded("session_tty_cap", "too many concurrent terminals for this session", http.StatusTooManyRequests, 5)
	}
	sess.mu.Unlock()

	if !tabExists {
		var err *apperrors.AppError
		tab, err = m.createTab(sess, tabID, c)
		if err != nil {
			return err
		}
	} else {
		tab.mu.Lock()
		since := time.Since(tab.lastConnectAt)
		tab.mu.Unlock()
		if since < constants.ReconnectDebounce {
			return apperrors.CapacityExceeded("reconnect_debounced", "reconnecting too quickly", http.StatusTooManyRequests, 1)
		}
	}

	tab.mu.Lock()
	tab.lastConnectAt = time.Now()
	tab.mu.Unlock()

	flusher, _ := c.Writer.(http.Flusher)
	s := &sink{w: c.Writer, flusher: flusher, done: make(chan struct{})}
	m.bindStream(c, sess, tab, s)
	return nil
}

func (m *Multiplexer) createTab(sess *Session, tabID string, c *gin.Context) (*Tab, *apperrors.AppError) {
	m.mu.Lock()
	if m.globalTTYs >= constants.MaxGlobalTTYs {
		m.mu.Unlock()
		return nil, apperrors.CapacityExceeded("global_tty_cap", "too many concurrent terminals", http.StatusServiceUnavailable, 30)
	}
	m.globalTTYs++
	m.mu.Unlock()

	cols, rows := parseDimensions(c)
	handle, pid, err := m.factory.Start(cols, rows)
	if err != nil {
		m.mu.Lock()
		m.globalTTYs--
		m.mu.Unlock()
		return nil, apperrors.Runtime("pty_start_failed", "failed to start terminal", err)
	}

	tab := &Tab{id: tabID, tty: handle, pid: pid, createdAt: time.Now()}
	sess.mu.Lock()
	sess.tabs[tabID] = tab
	sess.mu.Unlock()

	go tab.readLoop()
	return tab, nil
}

func (m *Multiplexer) bindStream(c *gin.Context, sess *Session, tab *Tab, s *sink) {
	old := tab.bind(s)
	if old != nil {
		old.close()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if s.flusher != nil {
		s.flusher.Flush()
	}

	select {
	case <-c.Request.Context().Done():
	case <-s.done:
	case <-m.drainCh:
	}

	tab.mu.Lock()
	stillBound := tab.sink == s
	if stillBound {
		tab.sink = nil
	}
	tab.mu.Unlock()

	if stillBound {
		m.disposeTab(sess, tab)
	}
}

func (m *Multiplexer) disposeTab(sess *Session, tab *Tab) {
	sess.mu.Lock()
	if sess.tabs[tab.id] == tab {
		delete(sess.tabs, tab.id)
	}
	sess.mu.Unlock()

	m.mu.Lock()
	m.globalTTYs--
	m.mu.Unlock()

	_ = tab.tty.Close()
	if tab.pid > 0 {
		time.AfterFunc(constants.PTYForceKillGrace, func() {
			if proc, err := os.FindProcess(tab.pid); err == nil {
				_ = proc.Kill()
			}
		})
	}
}

func (m *Multiplexer) lookupTab(sessionID, tabID string) (*Tab, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	tab, ok := sess.tabs[tabID]
	return tab, ok
}

// WriteInput implements POST /<app>/input?tabId=T (§4.H). For the webchat
// app, body must be a valid WebChatEnvelope; it is written to the PTY
// followed by a newline. Every other app writes body to the PTY verbatim.
func (m *Multiplexer) WriteInput(sessionID, tabID string, body []byte) *apperrors.AppError {
	tab, ok := m.lookupTab(sessionID, tabID)
	if !ok {
		return apperrors.NotFound("tab", tabID)
	}

	payload := body
	if m.app == "webchat" {
		var env WebChatEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.WebchatMessage != 1 {
			return apperrors.Internal("invalid_envelope", "malformed webchat message envelope", err)
		}
		payload = append(append([]byte{}, body...), '\n')
	}

	if _, err := tab.tty.Write(payload); err != nil {
		return apperrors.Runtime("pty_write_failed", "failed to write to terminal", err)
	}
	return nil
}

// Resize implements POST /<app>/resize?tabId=T (§4.H).
func (m *Multiplexer) Resize(sessionID, tabID string, cols, rows uint16) *apperrors.AppError {
	tab, ok := m.lookupTab(sessionID, tabID)
	if !ok {
		return apperrors.NotFound("tab", tabID)
	}
	if err := tab.tty.Resize(cols, rows); err != nil {
		return apperrors.Runtime("pty_resize_failed", "failed to resize terminal", err)
	}
	return nil
}

// Drain implements the Multiplexer's half of graceful drain (§4.H, §5):
// stop accepting new streams, close every live sink, dispose every tab's
// PTY, and clear the session maps.
func (m *Multiplexer) Drain(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	m.drainOnce.Do(func() { close(m.drainCh) })

	for _, sess := range sessions {
		sess.mu.Lock()
		tabs := make([]*Tab, 0, len(sess.tabs))
		for _, t := range sess.tabs {
			tabs = append(tabs, t)
		}
		sess.mu.Unlock()

		for _, tab := range tabs {
			tab.emitClose()
			_ = tab.tty.Close()
		}
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.globalTTYs = 0
	m.mu.Unlock()

	m.log.Info("session multiplexer drained")
}

// cookieName follows the per-app cookie naming §6 specifies: `<app>_sid`.
func cookieName(app string) string { return app + "_sid" }

func setSessionCookie(c *gin.Context, app, id string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cookieName(app),
		Value:    id,
		Path:     "/" + app,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   c.Request.TLS != nil,
	})
}

// SessionIDFromRequest reads app's scoped session cookie, returning "" when
// absent (OpenStream then mints a new session).
func SessionIDFromRequest(c *gin.Context, app string) string {
	cookie, err := c.Request.Cookie(cookieName(app))
	if err != nil {
		return ""
	}
	return cookie.Value
}

func parseDimensions(c *gin.Context) (uint16, uint16) {
	return queryUint16(c, "cols", 120), queryUint16(c, "rows", 40)
}

func queryUint16(c *gin.Context, key string, def uint16) uint16 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return def
	}
	return uint16(v)
}

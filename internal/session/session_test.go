package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
)

type fakePty struct {
	mu           sync.Mutex
	closed       bool
	writes       [][]byte
	outCh        chan []byte
	resizedCols  uint16
	resizedRows  uint16
	resizeCalled bool
}

func newFakePty() *fakePty {
	return &fakePty{outCh: make(chan []byte, 16)}
}

func (p *fakePty) Read(b []byte) (int, error) {
	data, ok := <-p.outCh
	if !ok {
		return 0, io.EOF
	}
	return copy(b, data), nil
}

func (p *fakePty) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), b...)
	p.writes = append(p.writes, cp)
	return len(b), nil
}

func (p *fakePty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.outCh)
	}
	return nil
}

func (p *fakePty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizeCalled = true
	p.resizedCols, p.resizedRows = cols, rows
	return nil
}

func (p *fakePty) lastWrite() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil
	}
	return p.writes[len(p.writes)-1]
}

type fakeFactory struct {
	mu    sync.Mutex
	ptys  []*fakePty
	err   error
}

func (f *fakeFactory) Start(cols, rows uint16) (PtyHandle, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	p := newFakePty()
	f.mu.Lock()
	f.ptys = append(f.ptys, p)
	f.mu.Unlock()
	return p, 4242, nil
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// openStreamAsync starts OpenStream in a goroutine against a cancellable
// request context and returns the cancel func plus a channel for the result.
func openStreamAsync(t *testing.T, m *Multiplexer, sessionID, tabID string) (cancel func(), result chan *apperrors.AppError, rec *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+m.app+"/stream?tabId="+tabID, nil)
	ctx, cancelFn := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	c, _ := gin.CreateTestContext(rec)
	c.Request = req

	result = make(chan *apperrors.AppError, 1)
	go func() {
		result <- m.OpenStream(c, sessionID, tabID)
	}()
	return cancelFn, result, rec
}

func TestOpenStreamCreatesTabAndWritesPassThrough(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webtty", factory, testLogger(t))

	cancel, result, rec := openStreamAsync(t, m, "", "tab1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, http.StatusOK, rec.Code)

	tab, ok := m.lookupTab(sessionIDForTest(m), "tab1")
	require.True(t, ok)

	appErr := m.WriteInput(sessionIDForTest(m), "tab1", []byte("ls\n"))
	require.Nil(t, appErr)
	pty := tab.tty.(*fakePty)
	assert.Equal(t, "ls\n", string(pty.lastWrite()))

	cancel()
	require.Nil(t, <-result)
}

func sessionIDForTest(m *Multiplexer) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		return id
	}
	return ""
}

func TestWebChatEnvelopeAppendsNewline(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webchat", factory, testLogger(t))

	cancel, result, _ := openStreamAsync(t, m, "", "tab1")
	time.Sleep(20 * time.Millisecond)

	sessionID := sessionIDForTest(m)
	body := []byte(`{"__webchatMessage":1,"version":1,"text":"hello"}`)
	appErr := m.WriteInput(sessionID, "tab1", body)
	require.Nil(t, appErr)

	tab, _ := m.lookupTab(sessionID, "tab1")
	pty := tab.tty.(*fakePty)
	got := pty.lastWrite()
	assert.Equal(t, byte('\n'), got[len(got)-1])
	assert.Contains(t, string(got), "__webchatMessage")

	cancel()
	<-result
}

func TestWebChatRejectsMalformedEnvelope(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webchat", factory, testLogger(t))

	cancel, result, _ := openStreamAsync(t, m, "", "tab1")
	time.Sleep(20 * time.Millisecond)

	sessionID := sessionIDForTest(m)
	appErr := m.WriteInput(sessionID, "tab1", []byte("not json"))
	require.NotNil(t, appErr)

	cancel()
	<-result
}

func TestPerSessionCapRejectsFourthTab(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webtty", factory, testLogger(t))

	var cancels []func()
	var results []chan *apperrors.AppError
	var sessionID string
	for i := 0; i < 3; i++ {
		tabID := "tab" + string(rune('a'+i))
		cancel, result, _ := openStreamAsync(t, m, sessionID, tabID)
		time.Sleep(10 * time.Millisecond)
		sessionID = sessionIDForTest(m)
		cancels = append(cancels, cancel)
		results = append(results, result)
	}

	appErr := m.WriteInput(sessionID, "nonexistent", []byte("x"))
	require.NotNil(t, appErr)

	_, result4, rec4 := openStreamAsync(t, m, sessionID, "tab-fourth")
	time.Sleep(10 * time.Millisecond)
	err4 := <-result4
	require.NotNil(t, err4)
	assert.Equal(t, http.StatusTooManyRequests, err4.HTTPStatus)
	assert.Equal(t, 5, err4.RetryAfter)
	_ = rec4

	for i, cancel := range cancels {
		cancel()
		<-results[i]
	}
}

func TestReconnectDebounceRejectsImmediateReopen(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webtty", factory, testLogger(t))

	cancel, result, _ := openStreamAsync(t, m, "", "tab1")
	time.Sleep(10 * time.Millisecond)
	sessionID := sessionIDForTest(m)
	cancel()
	<-result

	_, result2, _ := openStreamAsync(t, m, sessionID, "tab1")
	err2 := <-result2
	require.NotNil(t, err2)
	assert.Equal(t, http.StatusTooManyRequests, err2.HTTPStatus)
}

func TestResizeCallsTtyResize(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webtty", factory, testLogger(t))

	cancel, result, _ := openStreamAsync(t, m, "", "tab1")
	time.Sleep(20 * time.Millisecond)
	sessionID := sessionIDForTest(m)

	appErr := m.Resize(sessionID, "tab1", 100, 40)
	require.Nil(t, appErr)

	tab, _ := m.lookupTab(sessionID, "tab1")
	pty := tab.tty.(*fakePty)
	assert.True(t, pty.resizeCalled)
	assert.Equal(t, uint16(100), pty.resizedCols)

	cancel()
	<-result
}

func TestDrainClosesSinksAndDisposesPTYs(t *testing.T) {
	factory := &fakeFactory{}
	m := NewMultiplexer("webtty", factory, testLogger(t))

	_, result, _ := openStreamAsync(t, m, "", "tab1")
	time.Sleep(20 * time.Millisecond)

	m.Drain(context.Background())
	require.Nil(t, <-result)

	factory.mu.Lock()
	defer factory.mu.Unlock()
	require.Len(t, factory.ptys, 1)
	assert.True(t, factory.ptys[0].closed)

	m.mu.Lock()
	assert.Empty(t, m.sessions)
	assert.Equal(t, 0, m.globalTTYs)
	m.mu.Unlock()
}

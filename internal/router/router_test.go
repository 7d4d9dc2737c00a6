package router

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

type alwaysReady struct{ ready bool }

func (a alwaysReady) Ready(string) bool { return a.ready }

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T, st *store.Store, ready ReadinessChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	r := New(st, ready, testLogger(t))
	r.RegisterRoutes(engine, func(c *gin.Context) { c.String(http.StatusOK, "session") })
	return engine
}

func TestProxyHandlerForwardsToAgentHostPort(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-Got-Path", req.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	hostPort := u.Host
	idx := strings.LastIndex(hostPort, ":")
	host, port := hostPort[:idx], hostPort[idx+1:]

	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.UpdateAgent("c1", func(rec *store.AgentRecord) {
		rec.ContainerName = "c1"
		rec.AgentName = "demo"
		rec.HostPortBindings = map[string]store.PortBinding{"7000": {HostIP: host, HostPort: port}}
	}))

	engine := newTestEngine(t, st, alwaysReady{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/apis/demo/v1/ping", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyHandlerRejectsUnknownAgent(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	engine := newTestEngine(t, st, alwaysReady{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/apis/nope/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyHandlerReturns503WhenNotReady(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.UpdateAgent("c1", func(rec *store.AgentRecord) {
		rec.ContainerName = "c1"
		rec.AgentName = "demo"
		rec.HostPortBindings = map[string]store.PortBinding{"7000": {HostIP: "127.0.0.1", HostPort: "9999"}}
	}))

	engine := newTestEngine(t, st, alwaysReady{ready: false})

	req := httptest.NewRequest(http.MethodGet, "/apis/demo/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestPathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.UpdateAgent("c1", func(rec *store.AgentRecord) {
		rec.ContainerName = "c1"
		rec.AgentName = "demo"
		rec.HostPortBindings = map[string]store.PortBinding{"7000": {HostIP: "127.0.0.1", HostPort: "9999"}}
	}))
	engine := newTestEngine(t, st, alwaysReady{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/apis/demo/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionAppPrefixDispatchesToSessionHandler(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	engine := newTestEngine(t, st, alwaysReady{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/webtty/stream", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session", rec.Body.String())
}

// Package router implements the Router/Proxy (§4.G): a single HTTP
// listener with a path-prefix dispatch table fronting the Session
// Multiplexer and a reverse proxy to each agent's host port.
package router

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
	"github.com/OutfinityResearch/ploinky-sub003/internal/store"
)

// idPattern is the §4.G/§8 constraint: any ID used as a filesystem or
// routing component must match this exactly.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ReadinessChecker reports whether an agent's container currently passes
// its readiness probe. health.Manager satisfies this.
type ReadinessChecker interface {
	Ready(containerName string) bool
}

// Identity carries the propagated-header values for one request, set by
// the (external) auth collaborator before the request reaches the Router.
type Identity struct {
	UserID      string
	User        string
	Email       string
	Roles       []string
	SessionID   string
	AccessToken string
}

type identityKey struct{}

// WithIdentity attaches id to ctx so applyIdentityHeaders can read it back
// when building the upstream request's identity headers.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Router dispatches to agent reverse proxies per the §4.G prefix table.
// It does not itself implement /auth/* or /blobs/*, which are external
// collaborators mounted elsewhere in the composition root. The Session
// Multiplexer's app prefixes are mounted by RegisterRoutes but served by
// the caller-supplied handler; Router's own handlers serve the /apis,
// /mcps, and static-agent prefixes.
type Router struct {
	st    *store.Store
	ready ReadinessChecker
	log   *logger.Logger

	proxyMu sync.RWMutex
	proxies map[string]*httputil.ReverseProxy
}

// New builds a Router. st is read on every request so routing/agent
// changes take effect without a restart.
func New(st *store.Store, ready ReadinessChecker, log *logger.Logger) *Router {
	return &Router{
		st:      st,
		ready:   ready,
		log:     log.WithFields(zap.String("component", "router")),
		proxies: make(map[string]*httputil.ReverseProxy),
	}
}

// RegisterRoutes wires the Router's prefixes onto engine. sessionHandler
// serves the Session Multiplexer's app prefixes (webtty, webchat, webmeet,
// dashboard, status); it is opaque to the Router.
func (r *Router) RegisterRoutes(engine *gin.Engine, sessionHandler gin.HandlerFunc) {
	for _, app := range []string{"webtty", "webchat", "webmeet", "dashboard", "status"} {
		group := engine.Group("/" + app)
		group.Any("/*rest", sessionHandler)
	}

	engine.Any("/apis/:agent/*rest", r.proxyHandler("apis"))
	engine.Any("/mcps/:agent/*rest", r.proxyHandler("mcps"))
	engine.Any("/:agent/*rest", r.proxyHandler(""))
}

// proxyHandler builds a gin.HandlerFunc proxying to 127.0.0.1:{hostPort}
// for the named agent, gated on readiness, forbidding ".." path segments.
func (r *Router) proxyHandler(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent := c.Param("agent")
		if !idPattern.MatchString(agent) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "invalid_agent", "message": "unknown agent"}})
			return
		}

		rest := c.Param("rest")
		if strings.Contains(rest, "..") {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_path", "message": "path traversal rejected"}})
			return
		}

		agents := r.st.LoadAgents()
		var rec store.AgentRecord
		var found bool
		for _, a := range agents {
			if a.AgentName == agent || a.Alias == agent {
				rec, found = a, true
				break
			}
		}
		if !found {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "agent_not_found", "message": "unknown agent"}})
			return
		}

		if r.ready != nil && !r.ready.Ready(rec.ContainerName) {
			c.Header("Retry-After", "5")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "agent_not_ready", "message": "agent not ready"}})
			return
		}

		hostPort := primaryHostPort(rec)
		if hostPort == "" {
			err := apperrors.Upstream("no_port_binding", "agent has no exposed port", http.StatusBadGateway, nil)
			c.AbortWithStatusJSON(err.HTTPStatus, gin.H{"error": gin.H{"code": err.ShortCode, "message": err.Message}})
			return
		}

		proxy := r.proxyFor(hostPort)
		applyForwardedHeaders(c.Request)
		applyIdentityHeaders(c.Request)
		disableBufferingIfStreaming(c)

		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

func primaryHostPort(rec store.AgentRecord) string {
	for _, binding := range rec.HostPortBindings {
		if binding.HostPort != "" {
			ip := binding.HostIP
			if ip == "" {
				ip = "127.0.0.1"
			}
			return net.JoinHostPort(ip, binding.HostPort)
		}
	}
	return ""
}

func (r *Router) proxyFor(hostPort string) *httputil.ReverseProxy {
	r.proxyMu.RLock()
	p, ok := r.proxies[hostPort]
	r.proxyMu.RUnlock()
	if ok {
		return p
	}

	r.proxyMu.Lock()
	defer r.proxyMu.Unlock()
	if p, ok := r.proxies[hostPort]; ok {
		return p
	}

	target := &url.URL{Scheme: "http", Host: hostPort}
	p = httputil.NewSingleHostReverseProxy(target)
	p.ErrorLog = nil
	p.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	r.proxies[hostPort] = p
	return p
}

// applyForwardedHeaders implements the §4.G Host/scheme translation.
func applyForwardedHeaders(req *http.Request) {
	if fwdHost := req.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		req.Host = fwdHost
	}
	scheme := "http"
	if req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	req.Header.Set("X-Forwarded-Proto", scheme)
}

// applyIdentityHeaders appends the §4.G identity propagation headers from
// the request context's Identity, when one was attached upstream.
func applyIdentityHeaders(req *http.Request) {
	id, ok := identityFrom(req.Context())
	if !ok {
		return
	}
	if id.UserID != "" {
		req.Header.Set("X-Ploinky-User-Id", id.UserID)
	}
	if id.User != "" {
		req.Header.Set("X-Ploinky-User", id.User)
	}
	if id.Email != "" {
		req.Header.Set("X-Ploinky-User-Email", id.Email)
	}
	if len(id.Roles) > 0 {
		req.Header.Set("X-Ploinky-User-Roles", strings.Join(id.Roles, ","))
	}
	if id.SessionID != "" {
		req.Header.Set("X-Ploinky-Session-Id", id.SessionID)
	}
	if id.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+id.AccessToken)
	}
}

// disableBufferingIfStreaming sets the no-buffering response headers an
// SSE or WebSocket upgrade requires (§4.G); harmless on a regular request.
func disableBufferingIfStreaming(c *gin.Context) {
	accept := c.GetHeader("Accept")
	upgrade := strings.EqualFold(c.GetHeader("Connection"), "upgrade") || c.GetHeader("Upgrade") != ""
	if upgrade || strings.Contains(accept, "text/event-stream") {
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
	}
}

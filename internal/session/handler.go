package session

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
)

// Dispatcher routes the `/<app>/{stream,input,resize}` endpoints (§4.G) to
// the Multiplexer registered for that app. Router mounts Dispatcher.Handle
// as the single opaque sessionHandler for every app-prefixed group.
type Dispatcher struct {
	muxes map[string]*Multiplexer
}

// NewDispatcher builds a Dispatcher over one Multiplexer per app.
func NewDispatcher(muxes map[string]*Multiplexer) *Dispatcher {
	return &Dispatcher{muxes: muxes}
}

// Handle implements gin.HandlerFunc.
func (d *Dispatcher) Handle(c *gin.Context) {
	app, action := splitAppPath(c.Request.URL.Path)

	mux, ok := d.muxes[app]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "unknown_app", "message": "unknown app"}})
		return
	}

	switch action {
	case "stream":
		d.handleStream(c, mux)
	case "input":
		d.handleInput(c, mux)
	case "resize":
		d.handleResize(c, mux)
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "unknown_endpoint", "message": "unknown endpoint"}})
	}
}

func splitAppPath(p string) (app, action string) {
	p = strings.TrimPrefix(p, "/")
	parts := strings.SplitN(p, "/", 2)
	app = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return app, action
}

func (d *Dispatcher) handleStream(c *gin.Context, mux *Multiplexer) {
	tabID := c.Query("tabId")
	sessionID := SessionIDFromRequest(c, mux.app)
	if appErr := mux.OpenStream(c, sessionID, tabID); appErr != nil {
		c.Error(appErr)
	}
}

func (d *Dispatcher) handleInput(c *gin.Context, mux *Multiplexer) {
	tabID := c.Query("tabId")
	sessionID := SessionIDFromRequest(c, mux.app)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Error(apperrors.Internal("read_body_failed", "failed to read request body", err))
		return
	}

	if appErr := mux.WriteInput(sessionID, tabID, body); appErr != nil {
		c.Error(appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

type resizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (d *Dispatcher) handleResize(c *gin.Context, mux *Multiplexer) {
	tabID := c.Query("tabId")
	sessionID := SessionIDFromRequest(c, mux.app)

	var payload resizePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.Error(apperrors.Internal("invalid_resize_payload", "malformed resize payload", err))
		return
	}

	if appErr := mux.Resize(sessionID, tabID, payload.Cols, payload.Rows); appErr != nil {
		c.Error(appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

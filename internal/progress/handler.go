package progress

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"contract-backend/internal/shared/server/respond"
	"contract-backend/internal/shared/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler streams run progress to browser clients over a websocket.
type Handler struct {
	Resolver *Resolver
	Bus      Bus
}

// RegisterRoutes attaches the subscription endpoint to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/runs/subscribe", h.subscribe)
}

// subscribe upgrades the connection and forwards run events until the run
// reaches a terminal status or the client hangs up. The key query parameter
// may be a run id, a document id, or a content fingerprint.
func (h *Handler) subscribe(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		respond.Error(c, http.StatusBadRequest, "missing_key", "key query parameter is required", nil)
		return
	}

	runID, err := h.Resolver.Resolve(c.Request.Context(), key)
	if errors.Is(err, ErrUnknownKey) {
		respond.Error(c, http.StatusNotFound, "unknown_key", "no active run for key", nil)
		return
	}
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "resolve_failed", "could not resolve subscription key", nil)
		return
	}

	sub, err := h.Bus.Subscribe(c.Request.Context(), runID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "subscribe_failed", "could not open event feed", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		return
	}
	defer conn.Close()
	defer sub.Close()

	telemetry.Info("progress.subscribed", map[string]any{
		"run_id": runID,
		"key":    key,
	})

	// Drain the client side so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Status))
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

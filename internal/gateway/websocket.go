package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleChatCompletionsWS serves the WebSocket variant of chat
// completions: the client upgrades, sends one JSON request, and
// receives each chunk as a text message terminated by the done
// sentinel.
func (g *Gateway) handleChatCompletionsWS(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		writeError(c, util.NewValidationError("websocket upgrade required"))
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("websocket upgrade failed", observability.Error(err))
		return
	}
	defer conn.Close()

	st := g.newRequestState(c)

	_, msg, err := conn.ReadMessage()
	if err != nil {
		g.finish(st, observability.OutcomeClientCancelled)
		return
	}

	var req api.ChatCompletionRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		g.failWS(conn, st, util.NewValidationError("malformed JSON request"))
		return
	}
	st.model = req.ModelName()

	if err := req.Validate(); err != nil {
		g.failWS(conn, st, err)
		return
	}

	if decision := g.deps.Limiter.Admit(st.principal, st.tier, 1); !decision.Allowed {
		g.failWS(conn, st, decision.Error(st.principal))
		return
	}

	// The forwarded request must stream regardless of what the client
	// put in the body.
	req.Stream = true
	body, err := json.Marshal(&req)
	if err != nil {
		g.failWS(conn, st, util.NewValidationError("unserializable request"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.Timeouts.Request.Duration())
	defer cancel()

	// The client sends nothing after the request; the next read only
	// returns when the peer closes or fails, which cancels upstream.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	st.streamed = true
	emit := func(payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	res, err := g.deps.Relay.Stream(ctx, st.requestID, &req, body, emit)
	if res != nil {
		st.backend = res.Backend
		st.chunks = res.Chunks
	}

	switch {
	case err == nil:
		g.finish(st, observability.OutcomeCompleted)
		g.closeWS(conn, websocket.CloseNormalClosure, "")
	case errors.Is(err, util.ErrClientCancelled):
		g.finish(st, observability.OutcomeClientCancelled)
	case st.chunks > 0:
		g.finish(st, observability.OutcomePartialFailure)
		g.writeWSError(conn, err)
	default:
		g.finish(st, outcomeFor(err))
		g.writeWSError(conn, err)
	}
}

// failWS terminates a WebSocket request before dispatch.
func (g *Gateway) failWS(conn *websocket.Conn, st *requestState, err error) {
	g.finish(st, outcomeFor(err))
	g.writeWSError(conn, err)
}

// writeWSError sends the error envelope as a final frame, then closes.
func (g *Gateway) writeWSError(conn *websocket.Conn, err error) {
	_, detail := errorStatus(err)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(api.ErrorResponse{Error: detail})
	g.closeWS(conn, websocket.CloseInternalServerErr, detail.Code)
}

func (g *Gateway) closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/relay"
)

func wsDial(t *testing.T, e *env) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/chat/completions"
	header := http.Header{"Authorization": {"Bearer " + testAPIKey}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGateway_WebSocketStreaming(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	conn := wsDial(t, e)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, chatBody("llama-3-8b", nil)))

	var payloads []string
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// Normal closure after the done sentinel.
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected normal closure, got %v", err)
			break
		}
		payloads = append(payloads, string(msg))
	}

	require.Len(t, payloads, 3)
	assert.Equal(t, `{"delta":"Hello"}`, payloads[0])
	assert.Equal(t, relay.DoneSentinel, payloads[2])
}

func TestGateway_WebSocketValidationError(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	conn := wsDial(t, e)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var er api.ErrorResponse
	require.NoError(t, json.Unmarshal(msg, &er))
	assert.Equal(t, api.CodeValidationError, er.Error.Code)
	assert.EqualValues(t, 0, backend.calls.Load())
}

func TestGateway_WebSocketNoBackend(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	conn := wsDial(t, e)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, chatBody("other-model", nil)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var er api.ErrorResponse
	require.NoError(t, json.Unmarshal(msg, &er))
	assert.Equal(t, api.CodeNoBackendAvailable, er.Error.Code)
}

func TestGateway_WebSocketUpgradeRequired(t *testing.T) {
	backend := newFakeBackend(t)
	e := newEnv(t, singleBackend(backend), nil)

	resp := e.get(t, "/v1/chat/completions")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

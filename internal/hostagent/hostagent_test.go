package hostagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jsx-tool/devbus/internal/keys"
	"github.com/jsx-tool/devbus/internal/sig"
	"github.com/jsx-tool/devbus/internal/wire"
)

var upgrader = websocket.Upgrader{}

// fakeBusServer accepts one connection, reads the host_init handshake,
// and lets the test drive what happens next.
func fakeBusServer(t *testing.T, onConn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		onConn(conn)
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHandshakeAcceptedThenDispatch(t *testing.T) {
	localStore := keys.NewLocalStore(t.TempDir())
	priv, err := localStore.PrivateKey()
	require.NoError(t, err)
	verifier := sig.NewVerifier(nil)

	handled := make(chan wire.RequestEnvelope, 1)
	srv := fakeBusServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var req wire.RequestEnvelope
		require.NoError(t, json.Unmarshal(data, &req))
		require.Equal(t, "host_init", req.EventName)
		require.True(t, verifier.Verify(&priv.PublicKey, req))

		require.NoError(t, conn.WriteJSON(map[string]string{"event_response": "host_init_ack"}))

		fwd := wire.HostForwardEnvelope{
			EventName:   "host_forward",
			RequestUUID: "req-1",
			WrappedRequest: wire.RequestEnvelope{
				EventName: "get_git_status",
				Params:    json.RawMessage(`{"path":"/dev/workspace/sub"}`),
				MessageID: "m1",
			},
		}
		raw, _ := json.Marshal(fwd)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

		_, respData, err := conn.ReadMessage()
		require.NoError(t, err)
		var resp wire.HostResponseEnvelope
		require.NoError(t, json.Unmarshal(respData, &resp))
		require.Equal(t, "req-1", resp.RequestUUID)
		handled <- fwd.WrappedRequest
	})
	defer srv.Close()

	var capturedPath string
	agent := New(Config{
		URL:      wsURL(srv.URL),
		DevRoot:  "/dev/workspace",
		HostRoot: "/real/machine",
		Keys:     localStore,
	})
	agent.SetHandlers(map[string]Handler{
		"get_git_status": func(ctx context.Context, env wire.RequestEnvelope) wire.ResponseEnvelope {
			var p struct {
				Path string `json:"path"`
			}
			_ = json.Unmarshal(env.Params, &p)
			capturedPath = p.Path
			return wire.ResponseEnvelope{
				EventResponse: env.EventName,
				MessageID:     env.MessageID,
				Payload:       json.RawMessage(`{"path":"/dev/workspace/sub"}`),
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go agent.Run(ctx)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded request to be handled")
	}
	agent.Stop()

	require.Equal(t, "/real/machine/sub", capturedPath)
}

func TestHandshakeRejectedStopsConnectAttempt(t *testing.T) {
	localStore := keys.NewLocalStore(t.TempDir())

	srv := fakeBusServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(map[string]string{"event_response": "host_init_rejected"}))
	})
	defer srv.Close()

	agent := New(Config{URL: wsURL(srv.URL), Keys: localStore})

	err := agent.connectAndServe(context.Background())
	require.Error(t, err)
}

func TestHandlerKeyNormalizesTerminalFamily(t *testing.T) {
	require.Equal(t, "*_terminal_*", handlerKey("create_terminal_session"))
	require.Equal(t, "*_terminal_*", handlerKey("write_to_terminal"))
	require.Equal(t, "get_git_status", handlerKey("get_git_status"))
}

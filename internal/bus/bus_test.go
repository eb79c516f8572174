package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jsx-tool/devbus/internal/wire"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + WSPath
}

func dial(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	require.NoError(t, err)
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) wire.ResponseEnvelope {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp wire.ResponseEnvelope
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func newTestBus() *Bus {
	return New(Config{Insecure: true})
}

func newTestServer(b *Bus) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle(WSPath, b)
	return httptest.NewServer(mux)
}

// TestDirectDispatchGetVersion exercises a local (non-host-forwarded)
// event end to end: a client sends get_version and gets back a response
// carrying the same message_id.
func TestDirectDispatchGetVersion(t *testing.T) {
	b := newTestBus()
	srv := newTestServer(b)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close()

	_ = readResponse(t, conn) // init frame

	require.NoError(t, conn.WriteJSON(wire.RequestEnvelope{
		EventName: "get_version",
		Params:    json.RawMessage(`{}`),
		MessageID: "v1",
	}))

	resp := readResponse(t, conn)
	require.Equal(t, "get_version", resp.EventResponse)
	require.Equal(t, "v1", resp.MessageID)
}

// TestUnknownEventIsDroppedNotCrashed confirms an unrecognized event name
// is logged and ignored rather than tearing down the connection.
func TestUnknownEventIsDroppedNotCrashed(t *testing.T) {
	b := newTestBus()
	srv := newTestServer(b)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close()
	_ = readResponse(t, conn)

	require.NoError(t, conn.WriteJSON(wire.RequestEnvelope{EventName: "not_a_real_event", MessageID: "x1"}))

	// The connection should still be usable afterward.
	require.NoError(t, conn.WriteJSON(wire.RequestEnvelope{EventName: "get_version", Params: json.RawMessage(`{}`), MessageID: "x2"}))
	resp := readResponse(t, conn)
	require.Equal(t, "x2", resp.MessageID)
}

// TestHostForwardRoundTrip matches the spec's host-forward scenario: an
// editor client sends get_git_status (unsigned, since the test bus runs
// with Insecure set), the bus forwards it to
// the attached host agent as host_forward with a fresh request_uuid, the
// host agent answers host_response, and the original client receives
// exactly the wrapped_response with its own message_id intact.
func TestHostForwardRoundTrip(t *testing.T) {
	b := newTestBus()
	srv := newTestServer(b)
	defer srv.Close()

	hostConn := dial(t, wsURL(srv.URL))
	defer hostConn.Close()
	_ = readResponse(t, hostConn) // init frame

	require.NoError(t, hostConn.WriteJSON(wire.RequestEnvelope{EventName: "host_init", MessageID: ""}))
	ackRaw := readResponse(t, hostConn)
	require.Equal(t, "host_init_ack", ackRaw.EventResponse)

	editorConn := dial(t, wsURL(srv.URL))
	defer editorConn.Close()
	_ = readResponse(t, editorConn) // init frame

	require.NoError(t, editorConn.WriteJSON(wire.RequestEnvelope{
		EventName: "get_git_status",
		Params:    json.RawMessage(`{}`),
		MessageID: "g1",
	}))

	_, fwdData, err := hostConn.ReadMessage()
	require.NoError(t, err)
	var fwd wire.HostForwardEnvelope
	require.NoError(t, json.Unmarshal(fwdData, &fwd))
	require.Equal(t, "host_forward", fwd.EventName)
	require.Equal(t, "get_git_status", fwd.WrappedRequest.EventName)
	require.Equal(t, "g1", fwd.WrappedRequest.MessageID)
	require.NotEmpty(t, fwd.RequestUUID)

	require.NoError(t, hostConn.WriteJSON(wire.HostResponseEnvelope{
		EventName:   "host_response",
		RequestUUID: fwd.RequestUUID,
		WrappedResponse: wire.ResponseEnvelope{
			EventResponse: "get_git_status",
			MessageID:     "g1",
			Payload:       json.RawMessage(`{"branch":"main"}`),
		},
	}))

	resp := readResponse(t, editorConn)
	require.Equal(t, "get_git_status", resp.EventResponse)
	require.Equal(t, "g1", resp.MessageID)
	require.JSONEq(t, `{"branch":"main"}`, string(resp.Payload))
}

// TestHostForwardWithNoHostAgentFailsImmediately covers the case where no
// host agent is attached: the client gets an error payload rather than
// hanging until the 30s host-forward timeout.
func TestHostForwardWithNoHostAgentFailsImmediately(t *testing.T) {
	b := newTestBus()
	srv := newTestServer(b)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close()
	_ = readResponse(t, conn)

	require.NoError(t, conn.WriteJSON(wire.RequestEnvelope{EventName: "copy_to_clipboard", Params: json.RawMessage(`{}`), MessageID: "c1"}))

	resp := readResponse(t, conn)
	require.Equal(t, "c1", resp.MessageID)
	var payload struct {
		Response struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	require.False(t, payload.Response.Success)
	require.Contains(t, payload.Response.Error, "no host agent connected")
}

// TestHostBroadcastReemittedToEditors confirms a host agent's
// host_broadcast frame is fanned out to every connected editor client
// under its wrapped event name.
func TestHostBroadcastReemittedToEditors(t *testing.T) {
	b := newTestBus()
	srv := newTestServer(b)
	defer srv.Close()

	hostConn := dial(t, wsURL(srv.URL))
	defer hostConn.Close()
	_ = readResponse(t, hostConn)
	require.NoError(t, hostConn.WriteJSON(wire.RequestEnvelope{EventName: "host_init"}))
	_ = readResponse(t, hostConn)

	editorConn := dial(t, wsURL(srv.URL))
	defer editorConn.Close()
	_ = readResponse(t, editorConn)

	require.NoError(t, hostConn.WriteJSON(wire.HostBroadcastEnvelope{
		EventName: "host_broadcast",
		WrappedBroadcast: wire.BroadcastEnvelope{
			EventName: "terminal_output_available",
			Payload:   json.RawMessage(`{"sessionId":"t1","data":"hi"}`),
		},
	}))

	editorConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := editorConn.ReadMessage()
	require.NoError(t, err)
	var env wire.BroadcastEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, "terminal_output_available", env.EventName)
}

// TestStopDrainsPendingHostForwards confirms Stop() resolves any
// in-flight host-forward with a "bus shutting down" error rather than
// leaving the caller hanging.
func TestStopDrainsPendingHostForwards(t *testing.T) {
	b := newTestBus()
	srv := newTestServer(b)
	defer srv.Close()

	hostConn := dial(t, wsURL(srv.URL))
	defer hostConn.Close()
	_ = readResponse(t, hostConn)
	require.NoError(t, hostConn.WriteJSON(wire.RequestEnvelope{EventName: "host_init"}))
	_ = readResponse(t, hostConn)

	editorConn := dial(t, wsURL(srv.URL))
	defer editorConn.Close()
	_ = readResponse(t, editorConn)

	require.NoError(t, editorConn.WriteJSON(wire.RequestEnvelope{EventName: "get_git_status", Params: json.RawMessage(`{}`), MessageID: "s1"}))
	// Drain the host_forward frame so the pending entry is registered
	// before Stop races it, but never reply.
	_, _, err := hostConn.ReadMessage()
	require.NoError(t, err)

	b.Stop()

	editorConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := readResponse(t, editorConn)
	require.Equal(t, "s1", resp.MessageID)
	var payload struct {
		Response struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	require.Contains(t, payload.Response.Error, "bus shutting down")
}

package hostops

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jsx-tool/devbus/internal/pty"
	"github.com/jsx-tool/devbus/internal/wire"
)

type recordingBroadcaster struct {
	events []string
}

func (r *recordingBroadcaster) Broadcast(eventName string, payload interface{}) {
	r.events = append(r.events, eventName)
}

func TestImportItemsPerItemIsolation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	missing := filepath.Join(dir, "does-not-exist.txt")
	targetOK := filepath.Join(dir, "out", "a.txt")
	targetFail := filepath.Join(dir, "out", "b.txt")

	handler := importItemsHandler(nil)
	params, _ := json.Marshal(map[string]interface{}{
		"items": []map[string]string{
			{"sourcePath": src, "targetPath": targetOK},
			{"sourcePath": missing, "targetPath": targetFail},
		},
	})

	resp := handler(context.Background(), wire.RequestEnvelope{EventName: "import_items", MessageID: "i1", Params: params})
	require.Equal(t, "i1", resp.MessageID)

	var payload struct {
		Results []importResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	require.Len(t, payload.Results, 2)
	require.True(t, payload.Results[0].Success)
	require.False(t, payload.Results[1].Success)
	require.NotEmpty(t, payload.Results[1].Error)

	data, err := os.ReadFile(targetOK)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestTerminalHandlerFamily(t *testing.T) {
	mgr := pty.New(nil)
	bcast := &recordingBroadcaster{}
	wireTerminalBroadcasts(mgr, bcast)
	handler := terminalHandler(mgr)

	createParams, _ := json.Marshal(map[string]interface{}{"shell": "/bin/sh", "cols": 80, "rows": 24})
	resp := handler(context.Background(), wire.RequestEnvelope{EventName: "create_terminal_session", MessageID: "t1", Params: createParams})
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &created))
	require.NotEmpty(t, created.SessionID)

	writeParams, _ := json.Marshal(map[string]string{"sessionId": created.SessionID, "data": "echo hi\n"})
	resp = handler(context.Background(), wire.RequestEnvelope{EventName: "write_to_terminal", MessageID: "t2", Params: writeParams})
	var ok struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &ok))
	require.True(t, ok.Success)

	killParams, _ := json.Marshal(map[string]string{"sessionId": created.SessionID})
	resp = handler(context.Background(), wire.RequestEnvelope{EventName: "kill_terminal_session", MessageID: "t3", Params: killParams})
	require.NoError(t, json.Unmarshal(resp.Payload, &ok))
	require.True(t, ok.Success)
}

func TestTerminalHandlerUnknownSession(t *testing.T) {
	mgr := pty.New(nil)
	handler := terminalHandler(mgr)

	params, _ := json.Marshal(map[string]string{"sessionId": "nope", "data": "x"})
	resp := handler(context.Background(), wire.RequestEnvelope{EventName: "write_to_terminal", MessageID: "t1", Params: params})

	var payload map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	require.Contains(t, payload["error"], "no such terminal session")
}

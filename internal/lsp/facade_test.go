package lsp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// echoWorkerScript replies worker_initialized to the handshake and
// jsonrpc_response to every jsonrpc call, echoing the request's requestId
// back so the facade can pair the reply.
const echoWorkerScript = `
while IFS= read -r line; do
  rid=$(printf '%s' "$line" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
  case "$line" in
    *'"kind":"init_worker"'*) printf '{"kind":"worker_initialized","requestId":"%s"}\n' "$rid" ;;
    *'"kind":"jsonrpc"'*) printf '{"kind":"jsonrpc_response","requestId":"%s","payload":{"ok":true}}\n' "$rid" ;;
    *) printf '{"kind":"error","requestId":"%s","payload":{"message":"unhandled"}}\n' "$rid" ;;
  esac
done
`

// crashingWorkerScript acknowledges the handshake, then exits without
// replying to anything else, simulating a worker crash mid-request.
const crashingWorkerScript = `
IFS= read -r line
rid=$(printf '%s' "$line" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
printf '{"kind":"worker_initialized","requestId":"%s"}\n' "$rid"
IFS= read -r line2
exit 1
`

func TestFacadeStartAndRequest(t *testing.T) {
	f := New(Config{Command: "sh", Args: []string{"-c", echoWorkerScript}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.Start(ctx))
	defer f.Shutdown(context.Background())

	resp, err := f.Request(ctx, json.RawMessage(`{"method":"textDocument/hover"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp.(json.RawMessage)))
}

func TestFacadeRejectsPendingCallsOnCrash(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := New(Config{Command: "sh", Args: []string{"-c", crashingWorkerScript}, Clock: clock})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Start(ctx))

	_, err := f.Request(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "restarted")
}

func TestFacadeRequestTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	// A worker that reads and discards everything, never replying, so the
	// call can only resolve via the timeout path.
	f := New(Config{Command: "sh", Args: []string{"-c", "cat >/dev/null"}, Clock: clock})

	ctx := context.Background()
	// Bypass Start's handshake (which would itself block on the fake
	// clock) by spawning directly and driving the timeout by hand.
	require.NoError(t, f.spawn())
	defer f.Shutdown(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.call(ctx, "unknown_kind", nil)
		done <- err
	}()

	// Give the goroutine a moment to register its pending call before
	// advancing the clock past RequestTimeout.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(RequestTimeout + time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}
}

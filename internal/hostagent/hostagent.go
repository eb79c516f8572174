// Package hostagent implements C10's reverse tunnel: an outbound
// WebSocket client that dials the bus, authenticates with a signed
// host_init handshake, and answers host-forwarded requests against the
// real host filesystem, git toolchain, and terminal sessions.
//
// The reconnect delay is driven off clockwork.Clock.After, following the
// retry shape of the teacher's lib/srv/sessiontracker.go retryUpdate,
// with the same gravitational/trace and logrus idiom used throughout
// this module.
package hostagent

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jsx-tool/devbus/internal/keys"
	"github.com/jsx-tool/devbus/internal/pathtranslate"
	"github.com/jsx-tool/devbus/internal/wire"
)

// ReconnectDelay is the fixed pause between dial attempts (spec §4.9).
const ReconnectDelay = 5 * time.Second

// Handler answers one forwarded event against the host's real
// filesystem or toolchain. It runs on the agent's own goroutine, never
// blocking the read pump for other in-flight requests.
type Handler func(ctx context.Context, env wire.RequestEnvelope) wire.ResponseEnvelope

// Config configures an Agent.
type Config struct {
	// URL is the bus's ws:// or wss:// endpoint, e.g. ws://127.0.0.1:PORT/jsx-tool-socket.
	URL string
	// DevRoot and HostRoot are C8's translation roots: DevRoot is the
	// path the bus and editor clients see, HostRoot is the real
	// filesystem path on the machine running the agent.
	DevRoot  string
	HostRoot string

	Keys  *keys.LocalStore
	Clock clockwork.Clock
	Log   *logrus.Entry

	Handlers map[string]Handler
}

// Agent owns the outbound tunnel's reconnect loop and dispatches
// host-forwarded requests to the registered Handler table.
type Agent struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	stopped   bool
	stopCh    chan struct{}
}

// New constructs an Agent. Run must be called to start the tunnel.
func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Agent{
		cfg:    cfg,
		log:    cfg.Log.WithField("component", "hostagent"),
		stopCh: make(chan struct{}),
	}
}

// Run dials and serves the tunnel until Stop is called, reconnecting
// after every drop except a voluntary shutdown (spec §4.9).
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := a.connectAndServe(ctx); err != nil {
			a.log.WithError(err).Warn("host tunnel disconnected")
		}

		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		if stopped {
			return
		}

		select {
		case <-a.cfg.Clock.After(ReconnectDelay):
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	if _, err := url.Parse(a.cfg.URL); err != nil {
		return trace.Wrap(err, "invalid bus url")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.handshake(conn); err != nil {
		return trace.Wrap(err)
	}

	a.log.Info("host tunnel established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return trace.Wrap(err)
		}
		go a.handleFrame(ctx, conn, data)
	}
}

func (a *Agent) handshake(conn *websocket.Conn) error {
	priv, err := a.cfg.Keys.PrivateKey()
	if err != nil {
		return trace.Wrap(err)
	}

	sigImpl, err := signHostInit(priv)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := conn.WriteJSON(wire.RequestEnvelope{
		EventName: "host_init",
		Params:    json.RawMessage(`{}`),
		Signature: sigImpl,
	}); err != nil {
		return trace.Wrap(err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return trace.Wrap(err)
	}
	var ack struct {
		EventResponse string `json:"event_response"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return trace.Wrap(err)
	}
	if ack.EventResponse != "host_init_ack" {
		return trace.AccessDenied("host_init rejected by bus")
	}
	return nil
}

// handleFrame unwraps a host_forward envelope, runs its handler with the
// dev/host path translation applied to the params before and after, and
// sends the paired host_response.
func (a *Agent) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var fwd wire.HostForwardEnvelope
	if err := json.Unmarshal(data, &fwd); err != nil {
		a.log.WithError(err).Warn("malformed host_forward")
		return
	}
	if fwd.EventName != "host_forward" {
		return
	}

	handler, ok := a.handlerFor(fwd.WrappedRequest.EventName)
	if !ok {
		a.respond(conn, fwd.RequestUUID, wire.ResponseEnvelope{
			EventResponse: fwd.WrappedRequest.EventName,
			MessageID:     fwd.WrappedRequest.MessageID,
			Payload:       mustJSON(failurePayload("no handler registered for " + fwd.WrappedRequest.EventName)),
		})
		return
	}

	translated := fwd.WrappedRequest
	translated.Params = a.translateInbound(translated.Params)

	resp := handler(ctx, translated)
	resp.Payload = a.translateOutbound(resp.Payload)

	a.respond(conn, fwd.RequestUUID, resp)
}

// translateInbound rewrites any "filePath"/"path" field in the request
// params from dev-root to host-root before a handler runs against the
// real filesystem (spec §4.7's "host agent side only" scoping).
func (a *Agent) translateInbound(params json.RawMessage) json.RawMessage {
	return a.translatePaths(params, a.cfg.DevRoot, a.cfg.HostRoot)
}

// translateOutbound is the inverse, applied to a handler's result before
// it crosses back onto the wire toward editor clients.
func (a *Agent) translateOutbound(params json.RawMessage) json.RawMessage {
	return a.translatePaths(params, a.cfg.HostRoot, a.cfg.DevRoot)
}

func (a *Agent) translatePaths(raw json.RawMessage, from, to string) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	for _, key := range []string{"filePath", "path"} {
		if v, ok := generic[key].(string); ok {
			generic[key] = pathtranslate.DevToHost(v, from, to)
		}
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}

func (a *Agent) respond(conn *websocket.Conn, requestUUID string, resp wire.ResponseEnvelope) {
	env := wire.HostResponseEnvelope{
		EventName:       "host_response",
		RequestUUID:     requestUUID,
		WrappedResponse: resp,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = conn.WriteJSON(env)
}

func (a *Agent) handlerFor(eventName string) (Handler, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.cfg.Handlers[handlerKey(eventName)]
	return h, ok
}

// SetHandlers installs the forwarded-event handler table. Separate from
// Config since the handlers (hostops.Build) typically need the Agent
// itself as their Broadcaster, which does not exist until after New.
func (a *Agent) SetHandlers(handlers map[string]Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Handlers = handlers
}

// Broadcast emits a spontaneous host_broadcast to the bus, used to
// forward PTY lifecycle events (terminal_session_created,
// terminal_output_available, terminal_session_closed) without a caller
// awaiting a response (spec §4.9). A no-op while disconnected.
func (a *Agent) Broadcast(eventName string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.log.WithError(err).Warn("failed to marshal host broadcast payload")
		return
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}

	env := wire.HostBroadcastEnvelope{
		EventName:        "host_broadcast",
		WrappedBroadcast: wire.BroadcastEnvelope{EventName: eventName, Payload: raw},
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = conn.WriteJSON(env)
}

// Stop ends the reconnect loop; the in-flight connection, if any, is
// closed by connectAndServe's read error once the socket drops.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	close(a.stopCh)
}

// handlerKey normalizes a "*_terminal_*" family event to a single
// registration key so callers don't need to enumerate every terminal
// event name, matching the bus's own isTerminalEvent wildcard (spec
// §4.10).
func handlerKey(eventName string) string {
	if strings.Contains(eventName, "terminal") {
		return "*_terminal_*"
	}
	return eventName
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func failurePayload(msg string) interface{} {
	return map[string]interface{}{"response": map[string]interface{}{"success": false, "error": msg}}
}

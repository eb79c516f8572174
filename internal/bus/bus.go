// Package bus implements the WebSocket hub and signature-gated request
// dispatcher described in spec C11: connection lifecycle, the canonical
// per-connection state machine (CONNECTED -> READY -> CLOSED), the
// dispatch table of spec §4.10, and host-forward / host-response
// pairing.
//
// Grounded on the teacher's own vendored gorilla/websocket dependency and
// on the hub/registry shape of the retrieval pack's standalone websocket
// handlers (stepherg-blizzardgw's ws handler, StellariumFoundation-Water's
// server), with error handling in the teacher's trace.Wrap idiom.
package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jsx-tool/devbus/internal/deskpeer"
	"github.com/jsx-tool/devbus/internal/fsgateway"
	"github.com/jsx-tool/devbus/internal/keys"
	"github.com/jsx-tool/devbus/internal/lsp"
	"github.com/jsx-tool/devbus/internal/sig"
	"github.com/jsx-tool/devbus/internal/wire"
)

// WSPath is the bus's fixed WebSocket endpoint path (spec §6).
const WSPath = "/jsx-tool-socket"

// HostForwardTimeout bounds how long a pending host-forward entry may
// wait for a host_response before it is dropped with an error payload.
const HostForwardTimeout = 30 * time.Second

// Broadcaster is the narrow interface other components need to emit
// broadcast events on the bus, breaking the cyclic reference the bus
// would otherwise have with the filesystem watcher, key manager, and
// desktop peer (spec §9 design note on cyclic references).
type Broadcaster interface {
	Broadcast(eventName string, payload interface{})
}

// ProxyInfo is get_proxy_info's payload: the resolved server/ws endpoints
// an editor client proxies requests through (spec §13 payload
// enrichment).
type ProxyInfo struct {
	ServerProtocol string `json:"serverProtocol"`
	ServerHost     string `json:"serverHost"`
	ServerPort     int    `json:"serverPort"`
	WSProtocol     string `json:"wsProtocol"`
	WSHost         string `json:"wsHost"`
	WSPort         int    `json:"wsPort"`
}

// DefaultVersion is reported by get_version when Config.Version is unset,
// e.g. in tests that don't care about the real build version.
const DefaultVersion = "dev"

// Bus is the WebSocket hub.
type Bus struct {
	Insecure bool

	upgrader  websocket.Upgrader
	verifier  *sig.Verifier
	keys      *keys.Manager
	fs        *fsgateway.Gateway
	desk      *deskpeer.Peer
	lspc      *lsp.Facade
	clock     clockwork.Clock
	log       *logrus.Entry
	version   string
	proxyInfo ProxyInfo

	mu          sync.RWMutex
	connections map[string]*Connection
	hostConn    *Connection

	pendingMu sync.Mutex
	pending   map[string]*pendingForward

	dispatch map[string]handlerFunc

	onKeyRegistered func(uuid string)

	stopping bool
}

// OnKeyRegistered registers the callback fired when a client announces a
// new key uuid via the key_registered message, bridging into the key
// fetcher without the bus importing it directly (spec §9 cyclic
// reference note).
func (b *Bus) OnKeyRegistered(fn func(uuid string)) { b.onKeyRegistered = fn }

type pendingForward struct {
	conn      *Connection
	messageID string
	eventName string
	createdAt time.Time
}

// handlerFunc serves one local (non-host-forwarded) event.
type handlerFunc func(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error)

// Config bundles the Bus's collaborators.
type Config struct {
	Verifier *sig.Verifier
	Keys     *keys.Manager
	FS       *fsgateway.Gateway
	Desk     *deskpeer.Peer
	LSP      *lsp.Facade
	Clock    clockwork.Clock
	Log      *logrus.Entry
	Insecure bool

	Version   string
	ProxyInfo ProxyInfo
}

// New constructs a Bus and wires its dispatch table.
func New(cfg Config) *Bus {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}

	b := &Bus{
		Insecure:    cfg.Insecure,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		verifier:    cfg.Verifier,
		keys:        cfg.Keys,
		fs:          cfg.FS,
		desk:        cfg.Desk,
		lspc:        cfg.LSP,
		clock:       cfg.Clock,
		log:         cfg.Log.WithField("component", "bus"),
		version:     cfg.Version,
		proxyInfo:   cfg.ProxyInfo,
		connections: make(map[string]*Connection),
		pending:     make(map[string]*pendingForward),
	}
	b.dispatch = b.buildDispatchTable()

	if b.keys != nil {
		b.keys.SetListener(func(rec *keys.Record) {
			if rec == nil {
				return
			}
			b.Broadcast("key_ready", map[string]interface{}{"uuid": rec.UUID})
		})
	}
	if b.desk != nil {
		b.desk.OnPeersChanged(func() {
			b.Broadcast("updated_unix_client_info", map[string]interface{}{
				"role":      string(b.desk.Role()),
				"peerCount": b.desk.PeerCount(),
			})
		})
	}

	return b
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// read pump until close.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := &Connection{ID: uuid.NewString(), OpenedAt: b.clock.Now(), ws: ws}

	b.mu.Lock()
	b.connections[conn.ID] = conn
	b.mu.Unlock()

	b.log.WithField("conn", conn.ID).Debug("connection opened")
	conn.Send(wire.ResponseEnvelope{EventResponse: "init", Payload: mustJSON(map[string]bool{"key_ready": b.keys != nil && b.keys.Current() != nil})})

	b.readPump(conn)

	b.mu.Lock()
	delete(b.connections, conn.ID)
	if b.hostConn == conn {
		b.hostConn = nil
	}
	b.mu.Unlock()
	b.log.WithField("conn", conn.ID).Debug("connection closed")
}

func (b *Bus) readPump(conn *Connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		b.handleFrame(conn, data)
	}
}

// handleFrame decodes and routes one inbound frame. Unknown or malformed
// frames are logged and dropped (spec §4.10's dispatch transition "bad:
// drop (log)", §6 "Unknown events are logged and ignored").
func (b *Bus) handleFrame(conn *Connection, data []byte) {
	var probe struct {
		EventName string `json:"event_name"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		b.log.WithError(err).Warn("malformed frame")
		return
	}

	switch probe.EventName {
	case "key_registered":
		b.handleKeyRegistered(data)
		return
	case "host_init":
		b.handleHostInit(conn, data)
		return
	case "host_response":
		b.handleHostResponse(data)
		return
	case "host_broadcast":
		b.handleHostBroadcast(data)
		return
	}

	var env wire.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.WithError(err).Warn("malformed request envelope")
		return
	}

	if !b.Insecure {
		rec := b.currentKeySnapshot()
		if rec == nil || !b.verifier.Verify(rec.PublicKey, env) {
			b.log.WithField("event", env.EventName).Warn("signature verification failed, dropping frame")
			return
		}
	}

	if hostForwardable[env.EventName] || isTerminalEvent(env.EventName) {
		go b.forwardToHost(conn, env.EventName, env.Params, env.MessageID)
		return
	}

	handler, ok := b.resolveHandler(env.EventName)
	if !ok {
		b.log.WithField("event", env.EventName).Warn("unknown event")
		return
	}

	// Requests may proceed concurrently across the connection; each
	// response carries message_id so clients correlate without relying
	// on arrival order (spec §5).
	go b.serve(conn, env, handler)
}

func (b *Bus) serve(conn *Connection, env wire.RequestEnvelope, handler handlerFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	payload, err := handler(ctx, b, conn, env.Params)
	if err != nil {
		payload = map[string]interface{}{"response": map[string]interface{}{"success": false, "error": err.Error()}}
	}

	conn.Send(wire.ResponseEnvelope{
		EventResponse: env.EventName,
		MessageID:     env.MessageID,
		Payload:       mustJSON(payload),
	})
}

func (b *Bus) currentKeySnapshot() *keys.Record {
	if b.keys == nil {
		return nil
	}
	return b.keys.Current()
}

func (b *Bus) handleKeyRegistered(data []byte) {
	var msg struct {
		Params struct {
			UUID string `json:"uuid"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Params.UUID == "" {
		return
	}
	if b.onKeyRegistered != nil {
		b.onKeyRegistered(msg.Params.UUID)
	}
}

// Broadcast emits a spontaneous event to every connected client
// (spec §4.10 "Broadcast events"). A send to a closed client is dropped.
func (b *Bus) Broadcast(eventName string, payload interface{}) {
	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	env := wire.BroadcastEnvelope{EventName: eventName, Payload: mustJSON(payload)}
	for _, c := range conns {
		c.Send(env)
	}
}

// Stop tears down every connection, resolving on each one's close, and
// drops pending host-forwards with a "bus shutting down" error (spec §5).
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopping = true
	conns := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.pendingMu.Lock()
	for id, p := range b.pending {
		p.conn.Send(wire.ResponseEnvelope{
			EventResponse: p.eventName,
			MessageID:     p.messageID,
			Payload:       mustJSON(failurePayload("bus shutting down")),
		})
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	for _, c := range conns {
		_ = c.close()
	}
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

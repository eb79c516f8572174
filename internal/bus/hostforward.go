package bus

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/jsx-tool/devbus/internal/wire"
)

// hostForwardable is the exact set of events the dispatch table forwards
// to the host agent rather than serving locally (spec §4.10).
var hostForwardable = map[string]bool{
	"get_git_status":    true,
	"copy_to_clipboard": true,
	"import_items":      true,
}

// isTerminalEvent matches the "*_terminal_*" wildcard of spec §4.10's
// dispatch table (create_terminal_session, write_to_terminal,
// kill_terminal_session, get_terminal_logs, and similar).
func isTerminalEvent(eventName string) bool {
	return strings.Contains(eventName, "terminal")
}

// handleHostInit processes a host agent's handshake: its signature must
// verify over the canonical {event_name:"host_init", params, message_id}
// projection; no timestamp is carried or checked. On success the
// connection becomes the bus's single host agent slot and receives
// host_init_ack; otherwise host_init_rejected and the socket is closed.
func (b *Bus) handleHostInit(conn *Connection, data []byte) {
	var env wire.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.WithError(err).Warn("malformed host_init")
		return
	}

	if !b.Insecure {
		rec := b.currentKeySnapshot()
		if rec == nil || !b.verifier.Verify(rec.PublicKey, env) {
			conn.Send(wire.ResponseEnvelope{EventResponse: "host_init_rejected"})
			_ = conn.close()
			return
		}
	}

	b.mu.Lock()
	b.hostConn = conn
	b.mu.Unlock()

	conn.Send(wire.ResponseEnvelope{EventResponse: "host_init_ack"})
	b.log.Info("host agent attached")
}

// forwardToHost implements the host-forward request path of spec §4.10:
// generate a fresh request_uuid, register the pending entry, and send
// host_forward to the attached host agent.
func (b *Bus) forwardToHost(conn *Connection, eventName string, params json.RawMessage, messageID string) {
	b.mu.RLock()
	hostConn := b.hostConn
	b.mu.RUnlock()

	if hostConn == nil {
		conn.Send(wire.ResponseEnvelope{
			EventResponse: eventName,
			MessageID:     messageID,
			Payload:       mustJSON(failurePayload("no host agent connected")),
		})
		return
	}

	requestUUID := uuid.NewString()

	b.pendingMu.Lock()
	b.pending[requestUUID] = &pendingForward{conn: conn, messageID: messageID, eventName: eventName, createdAt: b.clock.Now()}
	b.pendingMu.Unlock()

	hostConn.Send(wire.HostForwardEnvelope{
		EventName:   "host_forward",
		RequestUUID: requestUUID,
		WrappedRequest: wire.RequestEnvelope{
			EventName: eventName,
			Params:    params,
			MessageID: messageID,
		},
	})

	b.clock.AfterFunc(HostForwardTimeout, func() { b.expirePending(requestUUID) })
}

func (b *Bus) expirePending(requestUUID string) {
	b.pendingMu.Lock()
	p, ok := b.pending[requestUUID]
	if ok {
		delete(b.pending, requestUUID)
	}
	b.pendingMu.Unlock()

	if !ok {
		return
	}
	p.conn.Send(wire.ResponseEnvelope{
		EventResponse: p.eventName,
		MessageID:     p.messageID,
		Payload:       mustJSON(failurePayload("host agent response timed out")),
	})
}

// handleHostResponse pairs an inbound host_response with its pending
// request_uuid (spec §4.10, §8 invariant: first response wins, each
// request_uuid resolves exactly once).
func (b *Bus) handleHostResponse(data []byte) {
	var env wire.HostResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.WithError(err).Warn("malformed host_response")
		return
	}

	b.pendingMu.Lock()
	p, ok := b.pending[env.RequestUUID]
	if ok {
		delete(b.pending, env.RequestUUID)
	}
	b.pendingMu.Unlock()

	if !ok {
		// Either already resolved (duplicate) or timed out; drop silently.
		return
	}

	p.conn.Send(env.WrappedResponse)
}

// handleHostBroadcast re-emits a host agent's spontaneous event (PTY
// lifecycle events, per spec §4.9) to every connected editor client.
func (b *Bus) handleHostBroadcast(data []byte) {
	var env wire.HostBroadcastEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.WithError(err).Warn("malformed host_broadcast")
		return
	}
	b.Broadcast(env.WrappedBroadcast.EventName, env.WrappedBroadcast.Payload)
}

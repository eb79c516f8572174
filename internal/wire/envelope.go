// Package wire defines the message-bus envelope types and the canonical
// encoding used to authenticate request envelopes (spec §3, §6, §9).
package wire

import (
	"bytes"
	"encoding/json"
)

// RequestEnvelope is a signed request frame sent by an editor client.
type RequestEnvelope struct {
	EventName string          `json:"event_name"`
	Params    json.RawMessage `json:"params"`
	Signature string          `json:"signature"`
	MessageID string          `json:"message_id"`
}

// ResponseEnvelope is the frame sent back for a request.
type ResponseEnvelope struct {
	EventResponse string          `json:"event_response"`
	MessageID     string          `json:"message_id"`
	Payload       json.RawMessage `json:"payload"`
}

// HostForwardEnvelope asks the host agent to answer a request that needs
// the real host filesystem.
type HostForwardEnvelope struct {
	EventName      string          `json:"event_name"`
	RequestUUID    string          `json:"request_uuid"`
	WorkspaceDir   string          `json:"workspace_dir"`
	WrappedRequest RequestEnvelope `json:"wrapped_request"`
}

// HostResponseEnvelope is the host agent's answer to a HostForwardEnvelope.
type HostResponseEnvelope struct {
	EventName       string           `json:"event_name"`
	RequestUUID     string           `json:"request_uuid"`
	WrappedResponse ResponseEnvelope `json:"wrapped_response"`
}

// BroadcastEnvelope is a spontaneous event emitted by the bus (key_ready,
// updated_unix_client_info, updated_project_info, lsp_update, ...).
type BroadcastEnvelope struct {
	EventName string          `json:"event_name"`
	Payload   json.RawMessage `json:"payload"`
}

// HostBroadcastEnvelope wraps a spontaneous event originating on the host
// agent (terminal_session_created, terminal_output_available,
// terminal_session_closed) for the bus to re-emit to every connected
// editor client.
type HostBroadcastEnvelope struct {
	EventName        string            `json:"event_name"`
	WrappedBroadcast BroadcastEnvelope `json:"wrapped_broadcast"`
}

// CanonicalSignedPayload serializes the fields an envelope's signature
// authenticates, in the fixed field order the source relied on object
// key insertion order to produce: event_name, params, message_id. This
// order is a wire-compatibility requirement (spec §9) and must never be
// derived from a struct's encoding/json field order, which is not
// contractually stable across Go versions.
func CanonicalSignedPayload(eventName string, params json.RawMessage, messageID string) []byte {
	if len(params) == 0 {
		params = json.RawMessage("null")
	}

	var buf bytes.Buffer
	buf.WriteString(`{"event_name":`)
	writeJSONString(&buf, eventName)
	buf.WriteString(`,"params":`)
	buf.Write(compact(params))
	buf.WriteString(`,"message_id":`)
	writeJSONString(&buf, messageID)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func compact(raw json.RawMessage) []byte {
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		// raw wasn't valid JSON; fall back to its literal bytes so the
		// verifier still fails signature comparison instead of panicking.
		return raw
	}
	return out.Bytes()
}

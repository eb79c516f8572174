package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalSignedPayloadFieldOrder(t *testing.T) {
	out := CanonicalSignedPayload("read_file", json.RawMessage(`{"filePath":"a.go"}`), "m1")
	require.Equal(t, `{"event_name":"read_file","params":{"filePath":"a.go"},"message_id":"m1"}`, string(out))
}

func TestCanonicalSignedPayloadEmptyParamsBecomesNull(t *testing.T) {
	out := CanonicalSignedPayload("get_version", nil, "")
	require.Equal(t, `{"event_name":"get_version","params":null,"message_id":""}`, string(out))
}

func TestCanonicalSignedPayloadCompactsWhitespace(t *testing.T) {
	out := CanonicalSignedPayload("read_file", json.RawMessage(`{  "filePath" : "a.go"  }`), "m2")
	require.Equal(t, `{"event_name":"read_file","params":{"filePath":"a.go"},"message_id":"m2"}`, string(out))
}

func TestCanonicalSignedPayloadEscapesEventName(t *testing.T) {
	out := CanonicalSignedPayload(`weird"name`, json.RawMessage(`{}`), "m3")
	require.Equal(t, `{"event_name":"weird\"name","params":{},"message_id":"m3"}`, string(out))
}

package hostagent

import (
	"crypto/ecdsa"

	"github.com/jsx-tool/devbus/internal/sig"
)

// signHostInit signs the fixed {event_name:"host_init", params:{},
// message_id:""} envelope the handshake always sends (spec §4.9).
func signHostInit(priv *ecdsa.PrivateKey) (string, error) {
	return sig.Sign(priv, "host_init", []byte("{}"), "")
}

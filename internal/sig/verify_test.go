package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jsx-tool/devbus/internal/wire"
)

func genKey(t *testing.T) *ecdsa.PrivateKey {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	priv := genKey(t)
	v := NewVerifier(nil)

	params := json.RawMessage(`{"filePath":"/a/b.go"}`)
	signature, err := Sign(priv, "read_file", params, "m1")
	require.NoError(t, err)

	env := wire.RequestEnvelope{
		EventName: "read_file",
		Params:    params,
		Signature: signature,
		MessageID: "m1",
	}
	require.True(t, v.Verify(&priv.PublicKey, env))
}

func TestVerifyRejectsTamperedParams(t *testing.T) {
	priv := genKey(t)
	v := NewVerifier(nil)

	signature, err := Sign(priv, "read_file", json.RawMessage(`{"filePath":"/a/b.go"}`), "m1")
	require.NoError(t, err)

	env := wire.RequestEnvelope{
		EventName: "read_file",
		Params:    json.RawMessage(`{"filePath":"/etc/passwd"}`),
		Signature: signature,
		MessageID: "m1",
	}
	require.False(t, v.Verify(&priv.PublicKey, env))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv := genKey(t)
	other := genKey(t)
	v := NewVerifier(nil)

	params := json.RawMessage(`{}`)
	signature, err := Sign(priv, "get_version", params, "m2")
	require.NoError(t, err)

	env := wire.RequestEnvelope{EventName: "get_version", Params: params, Signature: signature, MessageID: "m2"}
	require.False(t, v.Verify(&other.PublicKey, env))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	v := NewVerifier(nil)
	priv := genKey(t)

	env := wire.RequestEnvelope{
		EventName: "get_version",
		Params:    json.RawMessage(`{}`),
		Signature: "not-base64!!",
		MessageID: "m3",
	}
	require.False(t, v.Verify(&priv.PublicKey, env))
}

func TestVerifyRejectsNilPublicKey(t *testing.T) {
	v := NewVerifier(nil)
	env := wire.RequestEnvelope{EventName: "get_version", Params: json.RawMessage(`{}`), Signature: "", MessageID: "m4"}
	require.False(t, v.Verify(nil, env))
}

func TestParseSPKIPublicKeyRoundTrip(t *testing.T) {
	priv := genKey(t)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	pub, err := ParseSPKIPublicKey(der)
	require.NoError(t, err)
	require.True(t, pub.Equal(&priv.PublicKey))
}

// Package sig implements the ECDSA-P256/SHA-256 signature check over
// canonical request envelopes (spec C5).
package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/jsx-tool/devbus/internal/wire"
)

// Verifier checks IEEE-P1363 ECDSA-P256 signatures over the canonical
// projection of a request envelope, grounded on the raw r||s ECDSA
// signature encoding used for Apple App Store JWTs elsewhere in this
// retrieval pack.
type Verifier struct {
	log *logrus.Entry
}

// NewVerifier constructs a Verifier.
func NewVerifier(log *logrus.Entry) *Verifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Verifier{log: log.WithField("component", "sig")}
}

// Verify reports whether env.Signature authenticates
// {event_name, params, message_id} under pub. Any malformed input is
// treated as a verification failure, never a panic or error return —
// callers only need a bool (spec §4.5: "Throw-safe").
func (v *Verifier) Verify(pub *ecdsa.PublicKey, env wire.RequestEnvelope) bool {
	if pub == nil {
		v.log.Warn("no active public key, rejecting signed request")
		return false
	}

	sigBytes, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		v.log.WithError(err).Warn("signature is not valid base64")
		return false
	}

	r, s, ok := unpackP1363(sigBytes)
	if !ok {
		v.log.Warn("signature is not valid IEEE-P1363 encoding")
		return false
	}

	payload := wire.CanonicalSignedPayload(env.EventName, env.Params, env.MessageID)
	digest := sha256.Sum256(payload)

	return ecdsa.Verify(pub, digest[:], r, s)
}

// Sign produces a base64 IEEE-P1363 signature over the canonical
// projection of {eventName, params, messageID} under priv, the inverse
// of Verify, used by the host agent to authenticate its host_init
// handshake (spec C10) with the same local keypair C6 stores.
func Sign(priv *ecdsa.PrivateKey, eventName string, params []byte, messageID string) (string, error) {
	payload := wire.CanonicalSignedPayload(eventName, params, messageID)
	digest := sha256.Sum256(payload)

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", err
	}

	size := (elliptic.P256().Params().BitSize + 7) / 8
	buf := make([]byte, 2*size)
	r.FillBytes(buf[:size])
	s.FillBytes(buf[size:])

	return base64.StdEncoding.EncodeToString(buf), nil
}

// unpackP1363 splits a fixed-width r||s buffer (2*32 bytes for P-256)
// into its two big.Int halves.
func unpackP1363(buf []byte) (r, s *big.Int, ok bool) {
	size := (elliptic.P256().Params().BitSize + 7) / 8
	if len(buf) != 2*size {
		return nil, nil, false
	}
	r = new(big.Int).SetBytes(buf[:size])
	s = new(big.Int).SetBytes(buf[size:])
	return r, s, true
}

// ParseSPKIPublicKey parses a DER-encoded SPKI ECDSA-P256 public key, the
// format produced by internal/keys' local key store and received from the
// remote key registry.
func ParseSPKIPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errNotECDSA
	}
	return ecPub, nil
}

var errNotECDSA = &invalidKeyError{"public key is not ECDSA"}

type invalidKeyError struct{ msg string }

func (e *invalidKeyError) Error() string { return e.msg }

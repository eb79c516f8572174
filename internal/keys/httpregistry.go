package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/jsx-tool/devbus/internal/sig"
)

// HTTPRegistry queries the remote key registry over HTTP, the transport
// the editor-platform side actually runs (spec §4.4: "query the
// registry"), grounded on the teacher's trace.Wrap-on-every-I/O-boundary
// idiom used across api/client.
type HTTPRegistry struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRegistry constructs an HTTPRegistry. A nil client defaults to a
// short-timeout http.Client, since a hung registry call must not stall
// the fetcher's backoff loop indefinitely.
func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRegistry{BaseURL: baseURL, Client: client}
}

type registryKeyResponse struct {
	PublicKeyDER   string `json:"publicKeyDer"`
	ExpirationTime string `json:"expirationTime"`
}

// FetchKey implements Registry.
func (r *HTTPRegistry) FetchKey(ctx context.Context, uuid string) (*Record, error) {
	url := fmt.Sprintf("%s/keys/%s", r.BaseURL, uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("key %v not found in registry", uuid)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.Errorf("registry returned status %v for key %v", resp.StatusCode, uuid)
	}

	var body registryKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, trace.Wrap(err, "decoding registry response")
	}

	der, err := base64.StdEncoding.DecodeString(body.PublicKeyDER)
	if err != nil {
		return nil, trace.Wrap(err, "decoding publicKeyDer")
	}
	pub, err := sig.ParseSPKIPublicKey(der)
	if err != nil {
		return nil, trace.Wrap(err, "parsing registry public key")
	}

	expiry, err := time.Parse(time.RFC3339, body.ExpirationTime)
	if err != nil {
		return nil, trace.Wrap(err, "parsing expirationTime")
	}

	return &Record{
		UUID:           uuid,
		PublicKey:      pub,
		PublicKeyDER:   der,
		ExpirationTime: expiry,
	}, nil
}

var _ Registry = (*HTTPRegistry)(nil)

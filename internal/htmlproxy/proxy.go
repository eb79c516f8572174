// Package htmlproxy implements the reverse HTTP proxy that transparently
// decompresses HTML responses and injects a bootstrap <script> before a
// configurable anchor (spec C7), grounded on the teacher's rewriting
// http.RoundTripper pattern in lib/web/app/transport.go and on the
// other_examples reverse-proxy handlers.
package htmlproxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
)

// Config configures the proxy (subset of the global Config relevant to C7).
type Config struct {
	ServerProtocol string
	ServerHost     string
	ServerPort     int

	WSProtocol string
	WSHost     string
	WSPort     int

	InjectAt string
}

func (c Config) targetURL() *url.URL {
	return &url.URL{
		Scheme: c.ServerProtocol,
		Host:   fmt.Sprintf("%v:%v", c.ServerHost, c.ServerPort),
	}
}

// New builds the reverse proxy handler.
func New(cfg Config, log *logrus.Entry) http.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "htmlproxy")

	rp := httputil.NewSingleHostReverseProxy(cfg.targetURL())
	rp.ModifyResponse = func(resp *http.Response) error {
		return modifyResponse(resp, cfg, log)
	}
	rp.ErrorLog = nil
	return rp
}

func modifyResponse(resp *http.Response, cfg Config, log *logrus.Entry) error {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	decoded, decodeErr := decompress(body, resp.Header.Get("Content-Encoding"))
	if decodeErr != nil {
		log.WithError(decodeErr).Warn("failed to decompress HTML response, passing through unmodified")
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return nil
	}

	injected := inject(decoded, cfg)

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = int64(len(injected))
	resp.Body = io.NopCloser(bytes.NewReader(injected))
	return nil
}

func decompress(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return body, nil
	}
}

// inject inserts the bootstrap script before cfg.InjectAt, or the default
// anchor if cfg.InjectAt is empty. Injection is skipped unless the body
// contains both "<html" and "<head" (spec §4.6).
func inject(body []byte, cfg Config) []byte {
	anchor := cfg.InjectAt
	if anchor == "" {
		anchor = "</head>"
	}

	if !bytes.Contains(body, []byte("<html")) || !bytes.Contains(body, []byte("<head")) {
		return body
	}

	idx := bytes.Index(body, []byte(anchor))
	if idx < 0 {
		return body
	}

	script := []byte(bootstrapScript(cfg))
	out := make([]byte, 0, len(body)+len(script))
	out = append(out, body[:idx]...)
	out = append(out, script...)
	out = append(out, body[idx:]...)
	return out
}

func bootstrapScript(cfg Config) string {
	return fmt.Sprintf(
		"<script>\n  window.__JSX_TOOL_DEV_SERVER_WS_URL__ = '%v://%v:%v';\n</script>\n",
		cfg.WSProtocol, cfg.WSHost, cfg.WSPort,
	)
}

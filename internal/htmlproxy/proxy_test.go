package htmlproxy

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectBeforeAnchor(t *testing.T) {
	cfg := Config{WSProtocol: "ws", WSHost: "localhost", WSPort: 12021}
	body := []byte("<!DOCTYPE html><html><head><title>t</title></head><body/></html>")

	out := inject(body, cfg)
	require.Contains(t, string(out), "window.__JSX_TOOL_DEV_SERVER_WS_URL__ = 'ws://localhost:12021';")
	require.Less(t, bytes.Index(out, []byte("__JSX_TOOL_DEV_SERVER_WS_URL__")), bytes.Index(out, []byte("</head>")))
}

func TestInjectSkippedWithoutHtmlOrHead(t *testing.T) {
	cfg := Config{WSProtocol: "ws", WSHost: "localhost", WSPort: 12021}
	body := []byte("<div>no head or html tag here</div>")

	out := inject(body, cfg)
	require.Equal(t, body, out)
}

func TestDecompressGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	decoded, err := decompress(buf.Bytes(), "gzip")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(decoded))
}

func TestDecompressIdentity(t *testing.T) {
	decoded, err := decompress([]byte("plain"), "")
	require.NoError(t, err)
	require.Equal(t, "plain", string(decoded))
}

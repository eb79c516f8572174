package deskpeer

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaleSocketBecomesServer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jsx-tool-desktop.sock")

	// Pre-create an empty regular file at the socket path (spec S5).
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	p := New(path, nil)
	require.NoError(t, p.Start())
	defer p.Close()

	require.Eventually(t, func() bool {
		return p.Role() == RoleServer
	}, 500*time.Millisecond, 10*time.Millisecond)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return p.PeerCount() == 1
	}, 500*time.Millisecond, 10*time.Millisecond)

	p.Broadcast([]byte("hello"))

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)
}

func TestBroadcastNoOpWhenNone(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "unused.sock"), nil)
	require.Equal(t, RoleNone, p.Role())
	p.Broadcast([]byte("ignored")) // must not panic
}

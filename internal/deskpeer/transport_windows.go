//go:build windows

package deskpeer

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

func dialPeer(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}

func listenPeer(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

func isAddrInUseErr(err error) bool { return false }

func removeStaleSocket(path string) {}

func unlinkOnClose(path string) {}

// Package deskpeer implements the single-holder local IPC socket used by
// the native desktop application (spec C9): a peer that is exactly one of
// {server, client, none} at a time, auto-negotiating which role to take
// based on whether a live peer already owns the socket.
package deskpeer

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Role is the peer's current position in the single-holder protocol.
type Role string

const (
	RoleNone   Role = "none"
	RoleServer Role = "server"
	RoleClient Role = "client"
)

const retryDelay = 100 * time.Millisecond

// Peer is the desktop IPC peer (spec §3 "Desktop peer state", §4.8).
type Peer struct {
	socketPath string
	log        *logrus.Entry

	onMessage func(msg json.RawMessage)
	onPeers   func()

	mu       sync.Mutex
	role     Role
	listener net.Listener
	conns    map[net.Conn]bool
	buffers  map[net.Conn]*bufio.Reader
	done     chan struct{}
}

// SocketPath returns the platform-dependent default socket path
// (spec §6).
func SocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\jsx-tool-desktop-sock`
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/jsx-tool-desktop.sock"
	}
	if home := os.Getenv("HOME"); home != "" {
		return home + "/.jsx-tool/jsx-tool-desktop.sock"
	}
	return "/tmp/jsx-tool-desktop.sock"
}

// New constructs a Peer bound to socketPath.
func New(socketPath string, log *logrus.Entry) *Peer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Peer{
		socketPath: socketPath,
		log:        log.WithField("component", "deskpeer"),
		conns:      make(map[net.Conn]bool),
		buffers:    make(map[net.Conn]*bufio.Reader),
		done:       make(chan struct{}),
	}
}

// OnMessage registers the callback invoked for every line-framed JSON
// message received from a peer.
func (p *Peer) OnMessage(fn func(json.RawMessage)) { p.onMessage = fn }

// OnPeersChanged registers the callback invoked whenever the connected
// peer set changes, for the bus's updated_unix_client_info broadcast.
func (p *Peer) OnPeersChanged(fn func()) { p.onPeers = fn }

// Start runs the initialization algorithm of spec §4.8: try to connect as
// a client first; if that fails because nothing is listening, become the
// server instead.
func (p *Peer) Start() error {
	if _, err := os.Stat(p.socketPath); err == nil {
		if err := p.tryClient(); err == nil {
			return nil
		}
		removeStaleSocket(p.socketPath)
	}
	return p.listen()
}

func (p *Peer) tryClient() error {
	conn, err := dialPeer(p.socketPath, 2*time.Second)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.role = RoleClient
	p.conns[conn] = true
	p.buffers[conn] = bufio.NewReader(conn)
	p.mu.Unlock()

	go p.readLoop(conn)
	p.notifyPeers()
	return nil
}

func (p *Peer) listen() error {
	for {
		ln, err := listenPeer(p.socketPath)
		if err == nil {
			p.mu.Lock()
			p.role = RoleServer
			p.listener = ln
			p.mu.Unlock()

			go p.acceptLoop(ln)
			return nil
		}

		if isAddrInUseErr(err) {
			removeStaleSocket(p.socketPath)
			select {
			case <-time.After(retryDelay):
				continue
			case <-p.done:
				return trace.Wrap(err, "peer closed while retrying listen")
			}
		}
		return trace.Wrap(err)
	}
}

func (p *Peer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		p.mu.Lock()
		p.conns[conn] = true
		p.buffers[conn] = bufio.NewReader(conn)
		p.mu.Unlock()

		p.notifyPeers()
		go p.readLoop(conn)
	}
}

func (p *Peer) readLoop(conn net.Conn) {
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		delete(p.buffers, conn)
		p.mu.Unlock()
		conn.Close()
		p.notifyPeers()
	}()

	p.mu.Lock()
	r := p.buffers[conn]
	p.mu.Unlock()

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && p.onMessage != nil {
			p.onMessage(json.RawMessage(line))
		}
		if err != nil {
			return
		}
	}
}

func (p *Peer) notifyPeers() {
	if p.onPeers != nil {
		p.onPeers()
	}
}

// Role returns the peer's current role.
func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// PeerCount returns the number of live connections.
func (p *Peer) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Broadcast fans out msg to every connected peer if acting as server, or
// sends it upstream if acting as client. It is a silent no-op when the
// role is none or there is no live connection (spec §4.8, §8 invariant 7).
func (p *Peer) Broadcast(msg []byte) {
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(append([]byte{}, msg...), '\n')
	}

	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_, _ = c.Write(msg)
	}
}

// Close destroys all peer connections, closes the listener (falling back
// to a hard close after 100ms), and unlinks the socket (spec §4.8).
func (p *Peer) Close() error {
	close(p.done)

	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	ln := p.listener
	p.role = RoleNone
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	if ln != nil {
		closed := make(chan error, 1)
		go func() { closed <- ln.Close() }()
		select {
		case err := <-closed:
			if err != nil {
				return trace.Wrap(err)
			}
		case <-time.After(retryDelay):
		}
	}

	unlinkOnClose(p.socketPath)
	return nil
}

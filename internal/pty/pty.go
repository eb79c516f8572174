// Package pty implements named terminal sessions with cursor-addressable
// log buffers (spec C3), grounded on the creack/pty usage pattern found
// in the retrieval pack's sketch loop server (exec.Command + pty.Start,
// a goroutine copying pty output into per-client buffers).
package pty

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// logEntry is one chunk of PTY output tagged with its sequence number.
type logEntry struct {
	seq  uint64
	data []byte
}

// Session is a single named terminal.
type Session struct {
	ID string

	pty *os.File
	cmd *exec.Cmd

	mu      sync.Mutex
	logs    []logEntry
	nextSeq uint64
	closed  bool
}

// Manager owns the registry of active terminal sessions (spec §4.2).
type Manager struct {
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session

	onData func(sessionID string)
	onExit func(sessionID string, exitCode int, signal string)
}

// New constructs a Manager.
func New(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:      log.WithField("component", "pty"),
		sessions: make(map[string]*Session),
	}
}

// OnData registers the callback fired whenever a session receives new
// output, so the bus can emit a "data" event carrying the session id.
func (m *Manager) OnData(fn func(sessionID string)) { m.onData = fn }

// OnExit registers the callback fired when a session's process exits.
func (m *Manager) OnExit(fn func(sessionID string, exitCode int, signal string)) { m.onExit = fn }

// CreateSession spawns shell with args inside a pseudo-terminal sized
// cols x rows, with env appended to the current process environment.
func (m *Manager) CreateSession(shell string, args []string, cols, rows uint16, env []string) (*Session, error) {
	if shell == "" {
		shell = defaultShell()
	}

	cmd := exec.Command(shell, args...)
	cmd.Env = append(os.Environ(), env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, trace.Wrap(err, "starting pty")
	}

	s := &Session{
		ID:  uuid.NewString(),
		pty: ptmx,
		cmd: cmd,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go m.pump(s)
	go m.wait(s)

	return s, nil
}

func (m *Manager) pump(s *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.nextSeq++
			s.logs = append(s.logs, logEntry{seq: s.nextSeq, data: chunk})
			s.mu.Unlock()

			if m.onData != nil {
				m.onData(s.ID)
			}
		}
		if err != nil {
			if err != io.EOF {
				m.log.WithError(err).WithField("session", s.ID).Debug("pty read ended")
			}
			return
		}
	}
}

func (m *Manager) wait(s *Session) {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	exitCode := 0
	signal := ""
	if err != nil {
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if m.onExit != nil {
		m.onExit(s.ID, exitCode, signal)
	}
}

// GetLogs returns the suffix of s's log with seq > cursor, plus the new
// high-water mark (spec §3 invariant 4).
func (s *Session) GetLogs(cursor uint64) ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// logs are appended in strictly increasing seq order; binary search
	// for the first entry past cursor.
	idx := sort.Search(len(s.logs), func(i int) bool { return s.logs[i].seq > cursor })

	var out []byte
	for _, entry := range s.logs[idx:] {
		out = append(out, entry.data...)
	}
	return out, s.nextSeq
}

// Write sends input to the PTY.
func (s *Session) Write(data []byte) error {
	_, err := s.pty.Write(data)
	return trace.Wrap(err)
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	return trace.Wrap(pty.Setsize(s.pty, &pty.Winsize{Cols: cols, Rows: rows}))
}

// Get returns the session by id, or false if it does not exist.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Kill terminates the session's process and removes it from the
// registry.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return trace.NotFound("no such terminal session: %v", id)
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return trace.Wrap(s.pty.Close())
}

// RunOneOffCommand spawns a shell with cmd, collects all output, and
// resolves when the process exits regardless of exit code (spec §4.2).
func (m *Manager) RunOneOffCommand(ctx context.Context, cmdline string) (string, error) {
	shell, flag := oneOffShell()
	c := exec.CommandContext(ctx, shell, flag, cmdline)
	out, err := c.CombinedOutput()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return string(out), trace.Wrap(err)
		}
	}
	return string(out), nil
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/zsh"
}

func oneOffShell() (shell, flag string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", "/C"
	}
	return "/bin/zsh", "-c"
}

// Package lsp implements C12's language-intelligence facade: a forked
// worker subprocess speaking a newline-delimited JSON protocol over its
// stdin/stdout, with a request_id-keyed pending map and restart-on-crash
// recovery.
//
// Grounded on the retrieval pack's codex-monitor agent, which exchanges
// newline-delimited JSON-RPC envelopes with a subprocess over its
// stdin/stdout, extended here to a long-lived worker with a pending-call
// map and restart supervision; gravitational/trace wraps errors and
// logrus writes structured logs, matching the rest of this module.
package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// RequestTimeout bounds how long a call may wait for its matching reply
// before it is rejected.
const RequestTimeout = 30 * time.Second

// restartDelay is the fixed pause before relaunching a worker that has
// exited unexpectedly.
const restartDelay = 500 * time.Millisecond

// message kinds sent to the worker.
const (
	kindInitWorker     = "init_worker"
	kindInitialize     = "initialize"
	kindJSONRPC        = "jsonrpc"
	kindUpdateFile     = "update_file"
	kindStartWatchers  = "start_watchers"
	kindInitOpenFiles  = "init_open_files"
	kindCheckDiagnostics = "check_diagnostics"
	kindShutdown       = "shutdown"
)

// reply kinds sent back by the worker.
const (
	replyWorkerInitialized    = "worker_initialized"
	replyInitialized          = "initialized"
	replyJSONRPCResponse      = "jsonrpc_response"
	replyFileUpdated          = "file_updated"
	replyWatchersStarted      = "watchers_started"
	replyOpenFilesInitialized = "open_files_initialized"
	replyDiagnosticsResult    = "diagnostics_result"
	replyError                = "error"
	replyBroadcast            = "lsp_broadcast"
)

// workerMessage is the envelope shape in both directions: Kind selects
// the payload meaning and RequestID pairs a reply to its call (empty for
// lsp_broadcast, which carries no caller to answer).
type workerMessage struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Config configures a Facade.
type Config struct {
	Command string
	Args    []string
	Clock   clockwork.Clock
	Log     *logrus.Entry
	// OnBroadcast is invoked for unsolicited lsp_broadcast messages, used
	// by the caller to fan diagnostics and similar events out over the
	// bus without this package importing it (same cyclic-reference
	// avoidance as the rest of the module).
	OnBroadcast func(payload json.RawMessage)
}

type pendingCall struct {
	resultCh chan workerMessage
}

// Facade owns the worker subprocess's lifecycle and the request/response
// pairing over its stdio.
type Facade struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stopped bool

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

// New constructs a Facade. Start must be called before use.
func New(cfg Config) *Facade {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Facade{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "lsp"),
		pending: make(map[string]*pendingCall),
	}
}

// Start forks the worker and begins reading its replies. It blocks until
// the worker has acknowledged worker_initialized.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.spawn(); err != nil {
		return trace.Wrap(err)
	}
	_, err := f.call(ctx, kindInitWorker, nil)
	return trace.Wrap(err)
}

func (f *Facade) spawn() error {
	cmd := exec.Command(f.cfg.Command, f.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return trace.Wrap(err)
	}

	f.mu.Lock()
	f.cmd = cmd
	f.stdin = stdin
	f.mu.Unlock()

	go f.readLoop(stdout)
	go f.waitLoop(cmd)

	return nil
}

// readLoop decodes newline-delimited JSON replies and routes each to its
// pending caller, or to OnBroadcast for lsp_broadcast.
func (f *Facade) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg workerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			f.log.WithError(err).Warn("malformed worker message")
			continue
		}
		if msg.Kind == replyBroadcast {
			if f.cfg.OnBroadcast != nil {
				f.cfg.OnBroadcast(msg.Payload)
			}
			continue
		}
		f.resolve(msg)
	}
}

func (f *Facade) resolve(msg workerMessage) {
	f.pendingMu.Lock()
	p, ok := f.pending[msg.RequestID]
	if ok {
		delete(f.pending, msg.RequestID)
	}
	f.pendingMu.Unlock()
	if !ok {
		return
	}
	p.resultCh <- msg
}

// waitLoop relaunches the worker after an unexpected exit, rejecting
// every in-flight call with a restart error (spec §4.12's crash-recovery
// invariant: pending callers never hang across a worker crash).
func (f *Facade) waitLoop(cmd *exec.Cmd) {
	err := cmd.Wait()

	f.mu.Lock()
	voluntary := f.stopped
	f.mu.Unlock()
	if voluntary {
		return
	}

	f.log.WithError(err).Warn("language-intelligence worker exited, restarting")
	f.rejectAllPending(trace.Errorf("LSP worker restarted"))

	f.cfg.Clock.Sleep(restartDelay)
	if spawnErr := f.spawn(); spawnErr != nil {
		f.log.WithError(spawnErr).Error("failed to restart language-intelligence worker")
	}
}

func (f *Facade) rejectAllPending(err error) {
	f.pendingMu.Lock()
	pending := f.pending
	f.pending = make(map[string]*pendingCall)
	f.pendingMu.Unlock()

	errPayload, _ := json.Marshal(map[string]string{"message": err.Error()})
	for _, p := range pending {
		p.resultCh <- workerMessage{Kind: replyError, Payload: errPayload}
	}
}

// call sends one request and blocks for its reply, a timeout, or context
// cancellation.
func (f *Facade) call(ctx context.Context, kind string, payload interface{}) (workerMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return workerMessage{}, trace.Wrap(err)
	}

	requestID := uuid.NewString()
	resultCh := make(chan workerMessage, 1)

	f.pendingMu.Lock()
	f.pending[requestID] = &pendingCall{resultCh: resultCh}
	f.pendingMu.Unlock()

	f.mu.Lock()
	stdin := f.stdin
	f.mu.Unlock()
	if stdin == nil {
		return workerMessage{}, trace.ConnectionProblem(nil, "language-intelligence worker not started")
	}

	line, err := json.Marshal(workerMessage{Kind: kind, RequestID: requestID, Payload: raw})
	if err != nil {
		return workerMessage{}, trace.Wrap(err)
	}
	line = append(line, '\n')
	if _, err := stdin.Write(line); err != nil {
		return workerMessage{}, trace.Wrap(err)
	}

	timeout := f.cfg.Clock.After(RequestTimeout)
	select {
	case msg := <-resultCh:
		if msg.Kind == replyError {
			var payload struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(msg.Payload, &payload)
			return msg, trace.Errorf("%s", payload.Message)
		}
		return msg, nil
	case <-timeout:
		f.pendingMu.Lock()
		delete(f.pending, requestID)
		f.pendingMu.Unlock()
		return workerMessage{}, trace.LimitExceeded("language-intelligence request timed out")
	case <-ctx.Done():
		f.pendingMu.Lock()
		delete(f.pending, requestID)
		f.pendingMu.Unlock()
		return workerMessage{}, trace.Wrap(ctx.Err())
	}
}

// Request forwards a raw jsonrpc envelope to the worker and returns its
// jsonrpc_response payload, used by the bus's lsp_request event.
func (f *Facade) Request(ctx context.Context, params json.RawMessage) (interface{}, error) {
	msg, err := f.call(ctx, kindJSONRPC, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return msg.Payload, nil
}

// UpdateFile notifies the worker of an in-memory buffer change.
func (f *Facade) UpdateFile(ctx context.Context, params json.RawMessage) error {
	_, err := f.call(ctx, kindUpdateFile, params)
	return trace.Wrap(err)
}

// StartWatchers asks the worker to begin watching the project's source
// tree for out-of-band changes.
func (f *Facade) StartWatchers(ctx context.Context, params json.RawMessage) error {
	_, err := f.call(ctx, kindStartWatchers, params)
	return trace.Wrap(err)
}

// OpenFiles seeds the worker's open-document set, used by the bus's
// open_files event.
func (f *Facade) OpenFiles(ctx context.Context, params json.RawMessage) (interface{}, error) {
	msg, err := f.call(ctx, kindInitOpenFiles, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return msg.Payload, nil
}

// CheckDiagnostics asks the worker to run its diagnostics pass over the
// currently open documents, used by the bus's check_diagnostics event.
func (f *Facade) CheckDiagnostics(ctx context.Context, params json.RawMessage) (interface{}, error) {
	msg, err := f.call(ctx, kindCheckDiagnostics, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return msg.Payload, nil
}

// Initialize performs the LSP initialize handshake against the worker.
func (f *Facade) Initialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	msg, err := f.call(ctx, kindInitialize, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return msg.Payload, nil
}

// Shutdown stops the worker gracefully and stops the restart loop from
// relaunching it.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	stdin := f.stdin
	cmd := f.cmd
	f.mu.Unlock()

	if stdin == nil {
		return nil
	}

	// The worker gets five seconds to answer the shutdown request; if it
	// has not answered by then it is killed.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _ = f.call(shutdownCtx, kindShutdown, nil)
	timedOut := shutdownCtx.Err() == context.DeadlineExceeded
	cancel()
	_ = stdin.Close()
	if cmd != nil {
		if timedOut && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}
	f.rejectAllPending(trace.Errorf("language-intelligence worker shut down"))
	return nil
}

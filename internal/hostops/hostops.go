// Package hostops implements the concrete handlers the host agent (C10)
// registers for its forwarded-event table: git status, clipboard,
// asset import, and terminal session control — the operations that only
// make sense against the real host machine, never the bus's own process.
//
// The clipboard handler is grounded on the retrieval pack's
// tools/si/login_url.go (Aureuma-si) os/exec + stdin-pipe idiom; git
// status and terminal control delegate to internal/fsgateway and
// internal/pty.
package hostops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/jsx-tool/devbus/internal/fsgateway"
	"github.com/jsx-tool/devbus/internal/hostagent"
	"github.com/jsx-tool/devbus/internal/pty"
	"github.com/jsx-tool/devbus/internal/wire"
)

// Broadcaster emits a spontaneous host_broadcast, satisfied by
// *hostagent.Agent without this package importing it concretely beyond
// the one method it needs.
type Broadcaster interface {
	Broadcast(eventName string, payload interface{})
}

// Build assembles the complete handler table for hostagent.Config.Handlers.
func Build(gw *fsgateway.Gateway, mgr *pty.Manager, bcast Broadcaster, log *logrus.Entry) map[string]hostagent.Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "hostops")

	wireTerminalBroadcasts(mgr, bcast)

	terminal := terminalHandler(mgr)
	return map[string]hostagent.Handler{
		"get_git_status":    gitStatusHandler(gw),
		"copy_to_clipboard": clipboardHandler(log),
		"import_items":      importItemsHandler(log),
		"*_terminal_*": func(ctx context.Context, req wire.RequestEnvelope) wire.ResponseEnvelope {
			resp := terminal(ctx, req)
			if req.EventName == "create_terminal_session" {
				var created struct {
					SessionID string `json:"sessionId"`
				}
				if json.Unmarshal(resp.Payload, &created) == nil && created.SessionID != "" {
					bcast.Broadcast("terminal_session_created", map[string]string{"sessionId": created.SessionID})
				}
			}
			return resp
		},
	}
}

func payloadEnvelope(req wire.RequestEnvelope, payload interface{}) wire.ResponseEnvelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return wire.ResponseEnvelope{EventResponse: req.EventName, MessageID: req.MessageID, Payload: raw}
}

func errorEnvelope(req wire.RequestEnvelope, err error) wire.ResponseEnvelope {
	return payloadEnvelope(req, map[string]string{"error": err.Error()})
}

func gitStatusHandler(gw *fsgateway.Gateway) hostagent.Handler {
	return func(ctx context.Context, req wire.RequestEnvelope) wire.ResponseEnvelope {
		return payloadEnvelope(req, gw.GitStatus(ctx))
	}
}

func clipboardHandler(log *logrus.Entry) hostagent.Handler {
	return func(ctx context.Context, req wire.RequestEnvelope) wire.ResponseEnvelope {
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorEnvelope(req, err)
		}
		if err := copyToClipboard(params.Text); err != nil {
			log.WithError(err).Warn("copy_to_clipboard failed")
			return errorEnvelope(req, err)
		}
		return payloadEnvelope(req, map[string]bool{"success": true})
	}
}

// copyToClipboard shells out to the host's clipboard tool, the same
// per-OS dispatch the CLI login flow uses: pbcopy on macOS, the first of
// wl-copy/xclip/xsel on Linux, clip on Windows.
func copyToClipboard(text string) error {
	switch runtime.GOOS {
	case "darwin":
		return runClipboardCmd("pbcopy", text)
	case "linux":
		for _, tool := range []string{"wl-copy", "xclip", "xsel"} {
			if path, err := exec.LookPath(tool); err == nil {
				switch tool {
				case "xclip":
					return runClipboardCmd(path, text, "-selection", "clipboard")
				case "xsel":
					return runClipboardCmd(path, text, "--clipboard", "--input")
				default:
					return runClipboardCmd(path, text)
				}
			}
		}
		return fmt.Errorf("no clipboard tool found (install wl-copy, xclip, or xsel)")
	case "windows":
		return runClipboardCmd("cmd", text, "/c", "clip")
	default:
		return fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
	}
}

func runClipboardCmd(cmdPath, text string, args ...string) error {
	cmd := exec.Command(cmdPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	if _, err := io.WriteString(stdin, text); err != nil {
		_ = stdin.Close()
		return err
	}
	if err := stdin.Close(); err != nil {
		return err
	}
	return cmd.Wait()
}

type importItem struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

type importResult struct {
	TargetPath string `json:"targetPath"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// importItemsHandler copies host-side asset files (detected, say, from a
// design tool's export directory) into the project tree, one file at a
// time so a single bad source never aborts the rest of the batch.
func importItemsHandler(log *logrus.Entry) hostagent.Handler {
	return func(ctx context.Context, req wire.RequestEnvelope) wire.ResponseEnvelope {
		var params struct {
			Items []importItem `json:"items"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorEnvelope(req, err)
		}

		results := make([]importResult, 0, len(params.Items))
		for _, item := range params.Items {
			if err := importOne(item); err != nil {
				log.WithError(err).WithField("target", item.TargetPath).Warn("import_items: one item failed")
				results = append(results, importResult{TargetPath: item.TargetPath, Success: false, Error: err.Error()})
				continue
			}
			results = append(results, importResult{TargetPath: item.TargetPath, Success: true})
		}
		return payloadEnvelope(req, map[string]interface{}{"results": results})
	}
}

func importOne(item importItem) error {
	data, err := os.ReadFile(item.SourcePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(item.TargetPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(item.TargetPath, data, 0o644)
}

// terminalHandler routes the *_terminal_* family to the PTY manager
// (spec §4.2/§4.9): create_terminal_session, write_to_terminal,
// resize_terminal, kill_terminal_session, get_terminal_logs.
func terminalHandler(mgr *pty.Manager) hostagent.Handler {
	return func(ctx context.Context, req wire.RequestEnvelope) wire.ResponseEnvelope {
		switch req.EventName {
		case "create_terminal_session":
			return createTerminalSession(mgr, req)
		case "write_to_terminal":
			return writeToTerminal(mgr, req)
		case "resize_terminal":
			return resizeTerminal(mgr, req)
		case "kill_terminal_session":
			return killTerminalSession(mgr, req)
		case "get_terminal_logs":
			return getTerminalLogs(mgr, req)
		default:
			return errorEnvelope(req, fmt.Errorf("unrecognized terminal event %q", req.EventName))
		}
	}
}

func createTerminalSession(mgr *pty.Manager, req wire.RequestEnvelope) wire.ResponseEnvelope {
	var params struct {
		Shell string   `json:"shell"`
		Args  []string `json:"args"`
		Cols  uint16   `json:"cols"`
		Rows  uint16   `json:"rows"`
		Env   []string `json:"env"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorEnvelope(req, err)
	}
	s, err := mgr.CreateSession(params.Shell, params.Args, params.Cols, params.Rows, params.Env)
	if err != nil {
		return errorEnvelope(req, err)
	}
	return payloadEnvelope(req, map[string]string{"sessionId": s.ID})
}

func writeToTerminal(mgr *pty.Manager, req wire.RequestEnvelope) wire.ResponseEnvelope {
	var params struct {
		SessionID string `json:"sessionId"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorEnvelope(req, err)
	}
	s, ok := mgr.Get(params.SessionID)
	if !ok {
		return errorEnvelope(req, fmt.Errorf("no such terminal session: %v", params.SessionID))
	}
	if err := s.Write([]byte(params.Data)); err != nil {
		return errorEnvelope(req, err)
	}
	return payloadEnvelope(req, map[string]bool{"success": true})
}

func resizeTerminal(mgr *pty.Manager, req wire.RequestEnvelope) wire.ResponseEnvelope {
	var params struct {
		SessionID string `json:"sessionId"`
		Cols      uint16 `json:"cols"`
		Rows      uint16 `json:"rows"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorEnvelope(req, err)
	}
	s, ok := mgr.Get(params.SessionID)
	if !ok {
		return errorEnvelope(req, fmt.Errorf("no such terminal session: %v", params.SessionID))
	}
	if err := s.Resize(params.Cols, params.Rows); err != nil {
		return errorEnvelope(req, err)
	}
	return payloadEnvelope(req, map[string]bool{"success": true})
}

func killTerminalSession(mgr *pty.Manager, req wire.RequestEnvelope) wire.ResponseEnvelope {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorEnvelope(req, err)
	}
	if err := mgr.Kill(params.SessionID); err != nil {
		return errorEnvelope(req, err)
	}
	return payloadEnvelope(req, map[string]bool{"success": true})
}

func getTerminalLogs(mgr *pty.Manager, req wire.RequestEnvelope) wire.ResponseEnvelope {
	var params struct {
		SessionID string `json:"sessionId"`
		Cursor    uint64 `json:"cursor"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorEnvelope(req, err)
	}
	s, ok := mgr.Get(params.SessionID)
	if !ok {
		return errorEnvelope(req, fmt.Errorf("no such terminal session: %v", params.SessionID))
	}
	data, nextCursor := s.GetLogs(params.Cursor)
	return payloadEnvelope(req, map[string]interface{}{"data": string(data), "cursor": nextCursor})
}

// wireTerminalBroadcasts fans PTY lifecycle events out as host_broadcast
// events (spec §4.9): terminal_output_available and
// terminal_session_closed. terminal_session_created is broadcast by the
// terminal handler Build installs, once create_terminal_session has
// returned a session id.
func wireTerminalBroadcasts(mgr *pty.Manager, bcast Broadcaster) {
	mgr.OnData(func(sessionID string) {
		bcast.Broadcast("terminal_output_available", map[string]string{"sessionId": sessionID})
	})
	mgr.OnExit(func(sessionID string, exitCode int, signal string) {
		bcast.Broadcast("terminal_session_closed", map[string]interface{}{
			"sessionId": sessionID,
			"exitCode":  exitCode,
			"signal":    signal,
		})
	})
}

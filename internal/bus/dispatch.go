package bus

import (
	"context"
	"encoding/json"

	"github.com/jsx-tool/devbus/internal/fsgateway"
)

// buildDispatchTable wires the complete event_name -> handler set of
// spec §4.10, the single source of truth for which events the bus knows
// about.
func (b *Bus) buildDispatchTable() map[string]handlerFunc {
	d := map[string]handlerFunc{
		"read_file":       fsHandler(func(g *fsgateway.Gateway, p readFileParams) interface{} { return g.ReadFile(p.FilePath) }),
		"write_file":      fsWriteHandler,
		"exists":          fsHandler(func(g *fsgateway.Gateway, p readFileParams) interface{} { return g.Exists(p.FilePath) }),
		"ls":              fsHandler(func(g *fsgateway.Gateway, p readFileParams) interface{} { return g.Ls(p.FilePath) }),
		"rm":              fsHandler(func(g *fsgateway.Gateway, p readFileParams) interface{} { return g.Rm(p.FilePath) }),
		"tree":            fsHandler(func(g *fsgateway.Gateway, p readFileParams) interface{} { return g.Tree(p.FilePath) }),
		"read_file_many":  fsManyHandler(func(g *fsgateway.Gateway, paths []string) interface{} { return g.ReadFileMany(paths) }),
		"exists_many":     fsManyHandler(func(g *fsgateway.Gateway, paths []string) interface{} { return g.ExistsMany(paths) }),
		"ls_many":         fsManyHandler(func(g *fsgateway.Gateway, paths []string) interface{} { return g.LsMany(paths) }),
		"rm_many":         fsManyHandler(func(g *fsgateway.Gateway, paths []string) interface{} { return g.RmMany(paths) }),
		"write_file_many": fsWriteManyHandler,

		"get_project_info":  handleGetProjectInfo,
		"get_prompt_rules":   handleGetPromptRules,
		"get_version":        handleGetVersion,
		"get_proxy_info":     handleGetProxyInfo,
		"get_unix_client_info": handleGetUnixClientInfo,

		"set_should_modify_next_object_counter": handleNoop,

		"open_file":    handleDesktopBroadcast,
		"open_element": handleDesktopBroadcast,

		"lsp_request":      handleLSPRequest,
		"open_files":       handleOpenFiles,
		"check_diagnostics": handleCheckDiagnostics,

		"search": handleSearch,
	}

	// get_git_status, copy_to_clipboard, import_items, and every
	// "*_terminal_*" event never reach this table: handleFrame routes
	// them straight to forwardToHost (spec §4.10's "forward to host
	// agent" scope column).
	return d
}

// resolveHandler looks up the local dispatch table only; host-forwarded
// events are intercepted earlier in handleFrame.
func (b *Bus) resolveHandler(eventName string) (handlerFunc, bool) {
	h, ok := b.dispatch[eventName]
	return h, ok
}

type readFileParams struct {
	FilePath string `json:"filePath"`
}

type manyParams struct {
	FilePaths []string `json:"filePaths"`
}

type writeParams struct {
	FilePath string `json:"filePath"`
	Data     string `json:"data"`
}

type writeManyParams struct {
	Files map[string]string `json:"files"`
}

func fsHandler(fn func(g *fsgateway.Gateway, p readFileParams) interface{}) handlerFunc {
	return func(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
		var p readFileParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return responseWrap(p.FilePath, fn(b.fs, p)), nil
	}
}

func fsManyHandler(fn func(g *fsgateway.Gateway, paths []string) interface{}) handlerFunc {
	return func(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
		var p manyParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return fn(b.fs, p.FilePaths), nil
	}
}

func fsWriteHandler(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	var p writeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	res := b.fs.WriteToFile(p.FilePath, []byte(p.Data))
	return responseWrap(p.FilePath, res), nil
}

func fsWriteManyHandler(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	var p writeManyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(p.Files))
	for path, data := range p.Files {
		files[path] = []byte(data)
	}
	return b.fs.WriteToFileMany(files), nil
}

// responseWrap matches spec S1's payload shape:
// {filePath, response:{success,data|error}}.
func responseWrap(filePath string, res interface{}) map[string]interface{} {
	return map[string]interface{}{"filePath": filePath, "response": res}
}

func handleGetProjectInfo(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	return b.fs.ProjectInfo(), nil
}

func handleGetPromptRules(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	rules, err := b.fs.PromptRules()
	if err != nil {
		return nil, err
	}
	return map[string]string{"rules": rules}, nil
}

func handleGetVersion(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	return map[string]string{"version": b.version}, nil
}

func handleGetProxyInfo(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	return b.proxyInfo, nil
}

func handleGetUnixClientInfo(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	if b.desk == nil {
		return map[string]interface{}{"role": "none", "peerCount": 0}, nil
	}
	return map[string]interface{}{"role": string(b.desk.Role()), "peerCount": b.desk.PeerCount()}, nil
}

func handleNoop(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	return map[string]bool{"success": true}, nil
}

// handleDesktopBroadcast fans a message out to the desktop peer
// fire-and-forget, with no response payload beyond an ack (spec §4.10
// scope column: "fire-and-forget").
func handleDesktopBroadcast(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	if b.desk != nil {
		b.desk.Broadcast(params)
	}
	return map[string]bool{"success": true}, nil
}

func handleLSPRequest(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	if b.lspc == nil {
		return nil, errLSPUnavailable
	}
	return b.lspc.Request(ctx, params)
}

func handleOpenFiles(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	if b.lspc == nil {
		return nil, errLSPUnavailable
	}
	return b.lspc.OpenFiles(ctx, params)
}

func handleCheckDiagnostics(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	if b.lspc == nil {
		return nil, errLSPUnavailable
	}
	return b.lspc.CheckDiagnostics(ctx, params)
}

func handleSearch(ctx context.Context, b *Bus, conn *Connection, params json.RawMessage) (interface{}, error) {
	var opts fsgateway.SearchOptions
	if err := json.Unmarshal(params, &opts); err != nil {
		return nil, err
	}
	return b.fs.Search(ctx, opts), nil
}

var errLSPUnavailable = simpleError("language-intelligence worker unavailable")

type simpleError string

func (e simpleError) Error() string { return string(e) }

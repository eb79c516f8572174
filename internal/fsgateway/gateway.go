// Package fsgateway implements the safe, extension-filtered filesystem
// surface exposed to editor clients (spec C2): single-path and batch
// read/write/list/tree/remove operations, git status, project info, and
// ripgrep-backed search, all gated by the containment rule in
// containment.go.
package fsgateway

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jsx-tool/devbus/internal/config"
)

// Gateway is the filesystem gateway. It is stateless beyond its config
// and logger; callers share one instance across all connections.
type Gateway struct {
	cfg config.Config
	log *logrus.Entry
}

// New constructs a Gateway bound to cfg's working/node_modules/additional
// directories.
func New(cfg config.Config, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{cfg: cfg, log: log.WithField("component", "fsgateway")}
}

// Result is the uniform payload shape for a single-path operation
// (spec §7: domain failures live in response.{success,error}, never an
// error return from the handler).
type Result struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(data interface{}) Result  { return Result{Success: true, Data: data} }
func fail(err error) Result       { return Result{Success: false, Error: err.Error()} }
func failMsg(msg string) Result   { return Result{Success: false, Error: msg} }

// ReadFile returns the raw bytes of path.
func (g *Gateway) ReadFile(path string) Result {
	abs, err := g.resolvePath(path, false)
	if err != nil {
		return fail(err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return failMsg(readableIOError(err))
	}
	return ok(string(data))
}

// ReadFileMany runs ReadFile over every path, each with its own result.
func (g *Gateway) ReadFileMany(paths []string) map[string]Result {
	out := make(map[string]Result, len(paths))
	for _, p := range paths {
		out[p] = g.ReadFile(p)
	}
	return out
}

// WriteToFile writes data to path, creating intermediate directories.
func (g *Gateway) WriteToFile(path string, data []byte) Result {
	abs, err := g.resolvePath(path, false)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return failMsg(readableIOError(err))
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return failMsg(readableIOError(err))
	}
	return ok(nil)
}

// WriteToFileMany writes every (path, data) pair, independently.
func (g *Gateway) WriteToFileMany(files map[string][]byte) map[string]Result {
	out := make(map[string]Result, len(files))
	for p, data := range files {
		out[p] = g.WriteToFile(p, data)
	}
	return out
}

// Exists reports whether path exists (and is contained/allowed).
func (g *Gateway) Exists(path string) Result {
	abs, err := g.resolvePath(path, false)
	if err != nil {
		return fail(err)
	}
	_, statErr := os.Stat(abs)
	return ok(statErr == nil)
}

// ExistsMany runs Exists over every path.
func (g *Gateway) ExistsMany(paths []string) map[string]Result {
	out := make(map[string]Result, len(paths))
	for _, p := range paths {
		out[p] = g.Exists(p)
	}
	return out
}

// Entry is one directory listing entry.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// Ls lists the immediate children of path, filtered by the allowed-file
// rule for non-directory entries.
func (g *Gateway) Ls(path string) Result {
	abs, err := g.resolvePath(path, true)
	if err != nil {
		return fail(err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return failMsg(readableIOError(err))
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && !isAllowedFile(e.Name()) {
			continue
		}
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return ok(out)
}

// LsMany lists every path independently.
func (g *Gateway) LsMany(paths []string) map[string]Result {
	out := make(map[string]Result, len(paths))
	for _, p := range paths {
		out[p] = g.Ls(p)
	}
	return out
}

// Rm removes path (file or directory, recursively).
func (g *Gateway) Rm(path string) Result {
	abs, err := g.resolvePath(path, false)
	if err != nil {
		return fail(err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return failMsg(readableIOError(err))
	}
	return ok(nil)
}

// RmMany removes every path independently.
func (g *Gateway) RmMany(paths []string) map[string]Result {
	out := make(map[string]Result, len(paths))
	for _, p := range paths {
		out[p] = g.Rm(p)
	}
	return out
}

func readableIOError(err error) string {
	if os.IsNotExist(err) {
		return "no such file or directory"
	}
	if os.IsPermission(err) {
		return "permission denied"
	}
	return err.Error()
}

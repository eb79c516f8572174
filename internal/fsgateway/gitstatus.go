package fsgateway

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// FileStatus is one parsed line of `git status --porcelain` (spec §4.1).
type FileStatus struct {
	AbsolutePath string `json:"absolutePath"`
	Staged       bool   `json:"staged"`
	Status       string `json:"status"`
}

// GitStatusResult is the payload of the gitStatus operation.
type GitStatusResult struct {
	IsGitRepo bool         `json:"isGitRepo"`
	Error     string       `json:"error,omitempty"`
	Branch    string       `json:"branch,omitempty"`
	Commit    string       `json:"commit,omitempty"`
	Message   string       `json:"message,omitempty"`
	Files     []FileStatus `json:"files,omitempty"`
}

// GitStatus shells out to git exactly as spec §4.1 enumerates, grounded
// on the teacher/pack idiom of wrapping exec.Command output with
// trace.Wrap (see other_examples' agmux supervisor gitDirtyPaths helper).
func (g *Gateway) GitStatus(ctx context.Context) GitStatusResult {
	run := func(args ...string) (string, error) {
		return g.runGit(ctx, args...)
	}

	if _, err := run("--version"); err != nil {
		return GitStatusResult{IsGitRepo: false}
	}
	if _, err := run("rev-parse", "--git-dir"); err != nil {
		return GitStatusResult{IsGitRepo: false}
	}

	branch, err := run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return GitStatusResult{IsGitRepo: true, Error: err.Error()}
	}
	commit, err := run("rev-parse", "HEAD")
	if err != nil {
		return GitStatusResult{IsGitRepo: true, Error: err.Error()}
	}
	message, err := run("log", "-1", "--pretty=%B")
	if err != nil {
		return GitStatusResult{IsGitRepo: true, Error: err.Error()}
	}
	porcelain, err := run("status", "--porcelain")
	if err != nil {
		return GitStatusResult{IsGitRepo: true, Error: err.Error()}
	}

	files := g.parsePorcelain(porcelain)

	return GitStatusResult{
		IsGitRepo: true,
		Branch:    strings.TrimSpace(branch),
		Commit:    strings.TrimSpace(commit),
		Message:   strings.TrimSpace(message),
		Files:     files,
	}
}

func (g *Gateway) runGit(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = g.cfg.WorkingDirectory
	out, err := cmd.Output()
	if err != nil {
		return "", trace.Wrap(err, "git %v", strings.Join(args, " "))
	}
	return string(out), nil
}

// parsePorcelain parses `git status --porcelain` output per spec §4.1's
// rules, filtering out files not contained in any allowed root.
func (g *Gateway) parsePorcelain(porcelain string) []FileStatus {
	var out []FileStatus
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 3 {
			continue
		}
		x, y := line[0], line[1]
		rest := line[3:]

		path := rest
		if idx := strings.Index(rest, " -> "); idx >= 0 {
			path = rest[idx+4:]
		}
		path = unquotePath(path)

		abs := path
		if !strings.HasPrefix(abs, "/") {
			abs = joinWorkingDir(g.cfg.WorkingDirectory, path)
		}
		if !containedByAny(abs, g.roots()) {
			continue
		}

		staged := x != ' ' && x != '?'
		status := statusFor(x, y, staged)

		out = append(out, FileStatus{AbsolutePath: abs, Staged: staged, Status: status})
	}
	return out
}

func statusFor(x, y byte, staged bool) string {
	if x == '?' && y == '?' {
		return "??"
	}
	if staged && y == ' ' {
		return string(x)
	}
	if !staged {
		return string(y)
	}
	return string(x) + string(y)
}

func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		unquoted, err := strconv.Unquote(p)
		if err == nil {
			return unquoted
		}
	}
	return p
}

func joinWorkingDir(workingDir, rel string) string {
	if workingDir == "" {
		return rel
	}
	if strings.HasSuffix(workingDir, "/") {
		return workingDir + rel
	}
	return workingDir + "/" + rel
}

package fsgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/gravitational/trace"
)

// SearchOptions mirrors the documented ripgrep options of spec §4.1/§6.
type SearchOptions struct {
	Pattern        string
	IncludePattern string
	ExcludePattern string
	CaseSensitive  bool
	WholeWord      bool
	Regex          bool
	MaxResults     int
}

// SearchMatch is one ripgrep --json "match" event, flattened.
type SearchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Content string `json:"content"`
}

// SearchResult is the payload of the search operation.
type SearchResult struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Matches   []SearchMatch `json:"matches,omitempty"`
	Truncated bool          `json:"truncated"`
}

// Search spawns ripgrep across every containment root and concatenates
// results, per spec §4.1.
func (g *Gateway) Search(ctx context.Context, opts SearchOptions) SearchResult {
	if strings.Contains(opts.Pattern, "..") || strings.HasPrefix(opts.Pattern, "/") {
		return SearchResult{Success: false, Error: "pattern must not contain .. or be an absolute path"}
	}

	var matches []SearchMatch
	truncated := false

	for _, root := range g.roots() {
		if root == "" {
			continue
		}
		rootMatches, err := g.runRipgrep(ctx, root, opts)
		if err != nil {
			return SearchResult{Success: false, Error: err.Error()}
		}
		matches = append(matches, rootMatches...)

		if opts.MaxResults > 0 && len(matches) >= opts.MaxResults {
			matches = matches[:opts.MaxResults]
			truncated = true
			break
		}
	}

	return SearchResult{Success: true, Matches: matches, Truncated: truncated}
}

func (g *Gateway) runRipgrep(ctx context.Context, root string, opts SearchOptions) ([]SearchMatch, error) {
	args := []string{"--json"}
	if !opts.CaseSensitive {
		args = append(args, "--ignore-case")
	}
	if opts.WholeWord {
		args = append(args, "--word-regexp")
	}
	if !opts.Regex {
		args = append(args, "--fixed-strings")
	}
	if opts.IncludePattern != "" {
		args = append(args, "--glob", opts.IncludePattern)
	}
	if opts.ExcludePattern != "" {
		args = append(args, "--glob", "!"+opts.ExcludePattern)
	}
	args = append(args, "--", opts.Pattern, root)

	cmd := exec.CommandContext(ctx, "rg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, trace.Wrap(err, "ripgrep not available")
	}

	var matches []SearchMatch
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m, ok := parseRipgrepLine(scanner.Bytes())
		if ok {
			matches = append(matches, m)
		}
	}

	// rg exits 1 when no matches are found; that is not an error.
	if err := cmd.Wait(); err != nil {
		if exitErr, isExit := err.(*exec.ExitError); isExit && exitErr.ExitCode() == 1 {
			return matches, nil
		}
		return nil, trace.Wrap(err)
	}
	return matches, nil
}

type rgEvent struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		Lines struct {
			Text string `json:"text"`
		} `json:"lines"`
		LineNumber     int `json:"line_number"`
		Submatches []struct {
			Start int `json:"start"`
		} `json:"submatches"`
	} `json:"data"`
}

func parseRipgrepLine(line []byte) (SearchMatch, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return SearchMatch{}, false
	}
	var ev rgEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return SearchMatch{}, false
	}
	if ev.Type != "match" {
		return SearchMatch{}, false
	}

	column := 0
	if len(ev.Data.Submatches) > 0 {
		column = ev.Data.Submatches[0].Start
	}

	return SearchMatch{
		Path:    ev.Data.Path.Text,
		Line:    ev.Data.LineNumber,
		Column:  column,
		Content: strings.TrimRight(ev.Data.Lines.Text, "\n"),
	}, true
}

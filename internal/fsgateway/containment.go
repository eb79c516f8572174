package fsgateway

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// roots returns the containment roots: working directory, node_modules
// directory, and every additional directory (spec §4.1 step 2).
func (g *Gateway) roots() []string {
	out := make([]string, 0, 2+len(g.cfg.AdditionalDirectories))
	out = append(out, g.cfg.WorkingDirectory, g.cfg.NodeModulesDir)
	out = append(out, g.cfg.AdditionalDirectories...)
	return out
}

// resolvePath implements the full safety rule of spec §4.1: resolve to an
// absolute path, require containment in one of the roots, and (for
// non-directory targets) require an allowed extension or dot-file name.
func (g *Gateway) resolvePath(requested string, mustBeDir bool) (string, error) {
	abs := requested
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.cfg.WorkingDirectory, abs)
	}
	abs = filepath.Clean(abs)

	if !containedByAny(abs, g.roots()) {
		return "", trace.BadParameter("Path must be within working directory: %v", requested)
	}

	if !mustBeDir {
		info, err := os.Stat(abs)
		isDir := err == nil && info.IsDir()
		if !isDir && !isAllowedFile(filepath.Base(abs)) {
			return "", trace.BadParameter("file type not allowed: %v", filepath.Base(abs))
		}
	}

	return abs, nil
}

// containedByAny reports whether abs is contained (rejecting ".."
// segments and absolute escapes) by at least one of roots.
func containedByAny(abs string, roots []string) bool {
	for _, root := range roots {
		if root == "" {
			continue
		}
		if contained(abs, filepath.Clean(root)) {
			return true
		}
	}
	return false
}

func contained(abs, root string) bool {
	if abs == root {
		return true
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

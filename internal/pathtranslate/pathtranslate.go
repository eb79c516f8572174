// Package pathtranslate implements the bidirectional prefix rewrite
// between the dev-workspace and host-workspace directory roots (spec C8).
//
// Both directions are pure, non-suspending functions with no I/O, safe
// to call from the dispatch loop's hot path.
package pathtranslate

import (
	"path"
	"strings"
)

// DevToHost rewrites a dev-workspace path into its host-workspace
// equivalent. Paths outside devRoot are returned unchanged.
func DevToHost(p, devRoot, hostRoot string) string {
	return rewrite(p, devRoot, hostRoot)
}

// HostToDev is the inverse of DevToHost.
func HostToDev(p, devRoot, hostRoot string) string {
	return rewrite(p, hostRoot, devRoot)
}

func rewrite(p, fromRoot, toRoot string) string {
	np := normalize(p)
	from := strings.TrimRight(normalize(fromRoot), "/")
	to := strings.TrimRight(normalize(toRoot), "/")

	if np == from {
		return to
	}
	if strings.HasPrefix(np, from+"/") {
		return to + np[len(from):]
	}
	return p
}

// normalize converts backslashes to slashes and resolves ./ and ../
// segments via path.Clean, preserving a leading slash when present.
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

package fsgateway

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// manifest is the subset of package.json fields the node_modules walk
// policy inspects.
type manifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Main            string            `json:"main"`
	Module          string            `json:"module"`
	Browser         json.RawMessage   `json:"browser"`
	Types           string            `json:"types"`
	Typings         string            `json:"typings"`
	Exports         json.RawMessage   `json:"exports"`
}

var fallbackEntryPoints = []string{"index.js", "index.d.ts", "index.mjs", "index.cjs"}

// Tree walks root recursively, respecting allowed extensions/dot-files,
// with the node_modules manifest-driven policy described in spec §4.1.
func (g *Gateway) Tree(root string) Result {
	abs, err := g.resolvePath(root, true)
	if err != nil {
		return fail(err)
	}

	projectManifestPath := filepath.Join(g.cfg.WorkingDirectory, "package.json")
	pm, err := loadManifest(projectManifestPath)
	if err != nil {
		return fail(trace.Wrap(err, "parsing project manifest"))
	}

	var paths []string
	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // I/O errors inside the walk are silently skipped.
		}
		if p == abs {
			return nil
		}

		rel, relErr := filepath.Rel(abs, p)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if filepath.Dir(rel) == "." && d.Name() == "node_modules" {
				// Handled specially below; skip the generic recursion into it.
				if err := g.walkNodeModules(p, pm, &paths); err != nil {
					g.log.WithError(err).Warn("node_modules walk failed")
				}
				return filepath.SkipDir
			}
			return nil
		}

		if isAllowedFile(d.Name()) {
			paths = append(paths, rel)
		}
		return nil
	})
	if walkErr != nil {
		return fail(trace.Wrap(walkErr))
	}

	sort.Strings(paths)
	return ok(paths)
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &manifest{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// walkNodeModules descends into a single node_modules root, emitting
// only the files of manifest-listed packages, per spec §4.1.
func (g *Gateway) walkNodeModules(nodeModulesDir string, pm *manifest, out *[]string) error {
	entries, err := os.ReadDir(nodeModulesDir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	wanted := make(map[string]bool, len(pm.Dependencies)+len(pm.DevDependencies))
	for name := range pm.Dependencies {
		wanted[name] = true
	}
	for name := range pm.DevDependencies {
		wanted[name] = true
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "@") {
			// Scoped packages: one level deeper, e.g. @scope/name.
			scopeDir := filepath.Join(nodeModulesDir, e.Name())
			subEntries, err := os.ReadDir(scopeDir)
			if err != nil {
				continue
			}
			for _, sub := range subEntries {
				pkgName := e.Name() + "/" + sub.Name()
				if !wanted[pkgName] {
					continue
				}
				g.emitPackageFiles(filepath.Join(scopeDir, sub.Name()), pkgName, out)
			}
			continue
		}

		if !wanted[e.Name()] {
			continue
		}
		g.emitPackageFiles(filepath.Join(nodeModulesDir, e.Name()), e.Name(), out)
	}
	return nil
}

func (g *Gateway) emitPackageFiles(pkgDir, pkgName string, out *[]string) {
	manifestPath := filepath.Join(pkgDir, "package.json")
	pkgManifest, err := loadManifest(manifestPath)
	rel := func(p string) string {
		r, err := filepath.Rel(g.cfg.WorkingDirectory, p)
		if err != nil {
			return p
		}
		return r
	}

	emitted := make(map[string]bool)
	emit := func(name string) {
		if name == "" {
			return
		}
		p := filepath.Join(pkgDir, name)
		if _, statErr := os.Stat(p); statErr != nil {
			return
		}
		r := rel(p)
		if emitted[r] {
			return
		}
		emitted[r] = true
		*out = append(*out, r)
	}

	if err == nil {
		emit("package.json")
		emit(pkgManifest.Main)
		emit(pkgManifest.Module)
		emit(pkgManifest.Types)
		emit(pkgManifest.Typings)
		emitExports(pkgManifest.Browser, emit)
		emitExports(pkgManifest.Exports, emit)
	}

	emit("README.md")

	hasEntry := false
	for r := range emitted {
		if r != filepath.Join(rel(pkgDir), "package.json") && r != filepath.Join(rel(pkgDir), "README.md") {
			hasEntry = true
			break
		}
	}
	if !hasEntry {
		for _, fallback := range fallbackEntryPoints {
			if _, statErr := os.Stat(filepath.Join(pkgDir, fallback)); statErr == nil {
				emit(fallback)
				break
			}
		}
	}
}

// emitExports recursively walks the "exports" field, which may be a
// string, an array of strings, or a nested object of condition -> value.
func emitExports(raw json.RawMessage, emit func(string)) {
	if len(raw) == 0 {
		return
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		emit(strings.TrimPrefix(asString, "./"))
		return
	}

	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		for _, item := range asArray {
			emitExports(item, emit)
		}
		return
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		for _, v := range asObject {
			emitExports(v, emit)
		}
	}
}

package fsgateway

import (
	"os"
	"path/filepath"
)

// ProjectInfo is the payload of the get_project_info operation.
type ProjectInfo struct {
	WorkingDirectory      string   `json:"workingDirectory"`
	AdditionalDirectories []string `json:"additionalDirectories"`
	HasPackageJSON        bool     `json:"hasPackageJson"`
}

// ProjectInfo reports the project's working directory layout.
func (g *Gateway) ProjectInfo() ProjectInfo {
	_, err := os.Stat(filepath.Join(g.cfg.WorkingDirectory, "package.json"))
	return ProjectInfo{
		WorkingDirectory:      g.cfg.WorkingDirectory,
		AdditionalDirectories: g.cfg.AdditionalDirectories,
		HasPackageJSON:        err == nil,
	}
}

// PromptRules returns the verbatim contents of .jsxtool/rules.md, if any.
func (g *Gateway) PromptRules() (string, error) {
	data, err := os.ReadFile(filepath.Join(g.cfg.WorkingDirectory, ".jsxtool", "rules.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

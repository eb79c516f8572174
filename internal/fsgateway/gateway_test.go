package fsgateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jsx-tool/devbus/internal/config"
)

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults(dir)
	return New(cfg, nil), dir
}

func TestReadFileWithinWorkingDir(t *testing.T) {
	g, dir := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.tsx"), []byte("hello"), 0o644))

	res := g.ReadFile("app.tsx")
	require.True(t, res.Success)
	require.Equal(t, "hello", res.Data)
}

func TestReadFileEscapeRejected(t *testing.T) {
	g, _ := newTestGateway(t)

	res := g.ReadFile("../../etc/passwd")
	require.False(t, res.Success)
	require.Contains(t, res.Error, "Path must be within working directory")
}

func TestReadFileDisallowedExtension(t *testing.T) {
	g, dir := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.exe"), []byte("x"), 0o644))

	res := g.ReadFile("secret.exe")
	require.False(t, res.Success)
}

func TestWriteToFileCreatesIntermediateDirs(t *testing.T) {
	g, dir := newTestGateway(t)

	res := g.WriteToFile("src/components/Button.tsx", []byte("export default 1"))
	require.True(t, res.Success)

	data, err := os.ReadFile(filepath.Join(dir, "src/components/Button.tsx"))
	require.NoError(t, err)
	require.Equal(t, "export default 1", string(data))
}

func TestLsFiltersDisallowedFiles(t *testing.T) {
	g, dir := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ts"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.exe"), nil, 0o644))

	res := g.Ls(".")
	require.True(t, res.Success)
	entries := res.Data.([]Entry)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Contains(t, names, "a.ts")
	require.NotContains(t, names, "a.exe")
}

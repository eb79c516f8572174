package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsKeyRegistryURL(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "https://registry.jsx-tool.dev", cfg.KeyRegistryURL)
}

func TestLoadKeyRegistryURLEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JSX_TOOL_KEY_REGISTRY_URL", "https://keys.internal.example/v1")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "https://keys.internal.example/v1", cfg.KeyRegistryURL)
}

func TestLoadRejectsNonDirectoryWorkingDir(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/not-a-dir"
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Load(file)
	require.Error(t, err)
}

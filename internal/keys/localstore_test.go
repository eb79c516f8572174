package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreGenerateAndReload(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)

	priv, err := store.PrivateKey()
	require.NoError(t, err)
	require.NotNil(t, priv)

	der, err := store.PublicKeyDER()
	require.NoError(t, err)
	require.NotEmpty(t, der)

	gitignore, err := os.ReadFile(filepath.Join(dir, ".jsxtool", ".gitignore"))
	require.NoError(t, err)
	require.Contains(t, string(gitignore), "host-keys")
	require.Contains(t, string(gitignore), "terminal-secret")

	// A fresh store pointed at the same directory reloads the same key.
	reloaded := NewLocalStore(dir)
	reloadedPriv, err := reloaded.PrivateKey()
	require.NoError(t, err)
	require.Equal(t, priv.D, reloadedPriv.D)
}

func TestRegenerateKeyPairForce(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)

	first, err := store.PrivateKey()
	require.NoError(t, err)

	second, err := store.RegenerateKeyPair(true)
	require.NoError(t, err)
	require.NotEqual(t, first.D, second.D)
}

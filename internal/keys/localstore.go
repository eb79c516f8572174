// Package keys implements the local ECDSA keypair store (C6), the
// single-slot active-key manager (C4, part 1) and the remote key fetcher
// with deduplicated backoff (C4, part 2).
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

const (
	keysDirName    = "host-keys"
	privateKeyFile = "private-key.pem"
	publicKeyFile  = "public-key.pem"
)

// LocalStore is the on-disk ECDSA keypair under <workingDir>/.jsxtool,
// grounded on the teacher's lazy-read-with-cache pattern for on-disk
// credentials (lib/client/identityfile, lib/teleterm/clusters/storage.go).
type LocalStore struct {
	dir string

	mu      sync.Mutex
	private *ecdsa.PrivateKey
	pubDER  []byte
}

// NewLocalStore returns a store rooted at <workingDir>/.jsxtool/host-keys.
func NewLocalStore(workingDir string) *LocalStore {
	return &LocalStore{dir: filepath.Join(workingDir, ".jsxtool", keysDirName)}
}

// PrivateKey lazily loads (or generates, on first run) the keypair and
// returns the private key, caching it for subsequent calls.
func (s *LocalStore) PrivateKey() (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.private != nil {
		return s.private, nil
	}

	priv, pubDER, err := s.read()
	if trace.IsNotFound(err) {
		priv, pubDER, err = s.generate()
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.private = priv
	s.pubDER = pubDER
	return s.private, nil
}

// PublicKeyDER returns the cached SPKI-encoded public key, stripped of PEM
// headers and whitespace (spec §4.3).
func (s *LocalStore) PublicKeyDER() ([]byte, error) {
	if _, err := s.PrivateKey(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubDER, nil
}

// RegenerateKeyPair forces a fresh keypair, invalidating the cache. If
// force is false and a keypair already exists on disk, the existing one
// is kept and returned instead.
func (s *LocalStore) RegenerateKeyPair(force bool) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if priv, pubDER, err := s.read(); err == nil {
			s.private, s.pubDER = priv, pubDER
			return priv, nil
		}
	}

	priv, pubDER, err := s.generate()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.private, s.pubDER = priv, pubDER
	return priv, nil
}

func (s *LocalStore) read() (*ecdsa.PrivateKey, []byte, error) {
	privPEM, err := os.ReadFile(filepath.Join(s.dir, privateKeyFile))
	if err != nil {
		return nil, nil, trace.ConvertSystemError(err)
	}
	pubPEM, err := os.ReadFile(filepath.Join(s.dir, publicKeyFile))
	if err != nil {
		return nil, nil, trace.ConvertSystemError(err)
	}

	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, nil, trace.BadParameter("malformed private key PEM in %v", s.dir)
	}
	key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, nil, trace.Wrap(err, "parsing PKCS8 private key")
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, trace.BadParameter("private key in %v is not ECDSA", s.dir)
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, trace.BadParameter("malformed public key PEM in %v", s.dir)
	}

	return priv, pubBlock.Bytes, nil
}

// generate creates a fresh P-256 keypair and writes it atomically.
func (s *LocalStore) generate() (*ecdsa.PrivateKey, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, nil, trace.ConvertSystemError(err)
	}

	if err := atomicWritePEM(filepath.Join(s.dir, privateKeyFile), "PRIVATE KEY", privDER, 0o600); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if err := atomicWritePEM(filepath.Join(s.dir, publicKeyFile), "PUBLIC KEY", pubDER, 0o644); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	if err := ensureGitignore(filepath.Dir(s.dir)); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	return priv, pubDER, nil
}

func atomicWritePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// ensureGitignore guarantees <jsxtoolDir>/.gitignore contains host-keys
// and terminal-secret (spec §4.3).
func ensureGitignore(jsxtoolDir string) error {
	path := filepath.Join(jsxtoolDir, ".gitignore")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}

	lines := strings.Split(string(existing), "\n")
	have := make(map[string]bool, len(lines))
	for _, l := range lines {
		have[strings.TrimSpace(l)] = true
	}

	needed := []string{"host-keys", "terminal-secret"}
	var toAppend []string
	for _, n := range needed {
		if !have[n] {
			toAppend = append(toAppend, n)
		}
	}
	if len(toAppend) == 0 {
		return nil
	}

	content := strings.TrimRight(string(existing), "\n")
	if content != "" {
		content += "\n"
	}
	content += strings.Join(toAppend, "\n") + "\n"

	return trace.ConvertSystemError(os.WriteFile(path, []byte(content), 0o644))
}

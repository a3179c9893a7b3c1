package certmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileChallengeProvider implements lego's challenge.Provider interface
// by writing HTTP-01 key authorizations into an on-disk directory the
// proxy serves directly, rather than an in-memory map, so the proxy
// process (a different goroutine, potentially a freshly spawned
// listener generation) can read it without sharing state.
type FileChallengeProvider struct {
	dir string
	mu  sync.Mutex
}

// NewFileChallengeProvider creates a provider writing into dir.
func NewFileChallengeProvider(dir string) *FileChallengeProvider {
	return &FileChallengeProvider{dir: dir}
}

// Present writes the key authorization to <dir>/<token>.
func (p *FileChallengeProvider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create challenge dir: %w", err)
	}
	return os.WriteFile(filepath.Join(p.dir, token), []byte(keyAuth), 0o644)
}

// CleanUp removes the challenge file for token.
func (p *FileChallengeProvider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := os.Remove(filepath.Join(p.dir, token))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Lookup reads the key authorization for a token, used by the proxy's
// ACME challenge handler. A missing file reports ok=false (404).
func Lookup(dir, token string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, token))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Clear removes every file in the challenge directory, called once the
// order that produced them has been finalized.
func Clear(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

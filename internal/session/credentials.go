package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemoryCredentialStore keeps the secret for the lifetime of the process.
type MemoryCredentialStore struct {
	mu     sync.Mutex
	secret string
}

func (m *MemoryCredentialStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secret, nil
}

func (m *MemoryCredentialStore) Save(secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = secret
	return nil
}

// FileCredentialStore keeps the secret in a single file readable only by
// the owner. A missing file means no credential.
type FileCredentialStore struct {
	Path string
}

func (f FileCredentialStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f FileCredentialStore) Save(secret string) error {
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credential dir: %w", err)
		}
	}
	if err := os.WriteFile(f.Path, []byte(secret+"\n"), 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

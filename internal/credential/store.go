// Package credential tracks which login identifier was last used for a
// portal so a change of principal forces a logout before the next login.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileName is the fingerprint file kept inside a portal profile directory.
const FileName = ".last_credentials"

// Store persists a one-way fingerprint of the last login identifier.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store whose fingerprint lives in dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	return &Store{path: filepath.Join(dir, FileName)}, nil
}

// Path returns the fingerprint file location.
func (s *Store) Path() string {
	return s.path
}

// Fingerprint returns the hash recorded for principal.
func Fingerprint(principal string) string {
	sum := sha256.Sum256([]byte(principal))
	return hex.EncodeToString(sum[:])[:16]
}

// Changed reports whether principal differs from the last recorded one.
// With no prior record it returns false.
func (s *Store) Changed(principal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.load()
	if err != nil {
		return false, err
	}
	if last == "" {
		return false, nil
	}
	return last != Fingerprint(principal), nil
}

// Record persists the fingerprint of principal.
func (s *Store) Record(principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Fingerprint(principal)), 0600); err != nil {
		return fmt.Errorf("failed to write credential fingerprint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to store credential fingerprint: %w", err)
	}
	return nil
}

// Forget removes the recorded fingerprint.
func (s *Store) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential fingerprint: %w", err)
	}
	return nil
}

func (s *Store) load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential fingerprint: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

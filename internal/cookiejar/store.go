package cookiejar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the snapshot file kept inside a portal profile directory.
const FileName = ".saved_cookies.json"

// ErrNoSnapshot is returned by Load when nothing has been saved.
var ErrNoSnapshot = errors.New("no saved cookies")

// Cookie is one browser cookie in a driver-neutral shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Snapshot is the serialized cookie jar of one portal.
type Snapshot struct {
	Portal  string    `json:"portal"`
	SavedAt time.Time `json:"savedAt"`
	Cookies []Cookie  `json:"cookies"`
}

// Store persists a portal's cookie jar so session-only identity-provider
// cookies survive a browser restart.
type Store struct {
	portal string
	path   string
	mu     sync.RWMutex
}

// NewStore creates a store for portal inside dir.
func NewStore(portal, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cookie directory: %w", err)
	}
	return &Store{
		portal: portal,
		path:   filepath.Join(dir, FileName),
	}, nil
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Save replaces the snapshot. An empty jar leaves the previous snapshot
// in place and reports false.
func (s *Store) Save(cookies []Cookie) (bool, error) {
	if len(cookies) == 0 {
		return false, nil
	}

	data, err := json.Marshal(Snapshot{
		Portal:  s.portal,
		SavedAt: time.Now(),
		Cookies: cookies,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode cookies: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return false, fmt.Errorf("failed to write cookies: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return false, fmt.Errorf("failed to store cookies: %w", err)
	}
	return true, nil
}

// Load reads the snapshot.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cookies: %w", err)
	}
	if len(snap.Cookies) == 0 {
		return nil, ErrNoSnapshot
	}
	return &snap, nil
}

// Exists reports whether a snapshot file is present.
func (s *Store) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear deletes the snapshot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete cookies: %w", err)
	}
	return nil
}

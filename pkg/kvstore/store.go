package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"unicode/utf8"
)

// ErrCorrupt is returned by Load when a stored document is not a JSON array of strings.
var ErrCorrupt = errors.New("stored set is corrupt")

// ErrInvalidUTF8 is returned by Save when a value would not survive a JSON round trip.
var ErrInvalidUTF8 = errors.New("value is not valid UTF-8")

// validName matches alphanumeric, dash, underscore and dot characters only.
var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateName rejects set names that could escape the store directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name must not be %q", name)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("name %q contains invalid characters", name)
	}
	return nil
}

// Store persists named sets of strings, one JSON document per name, in a directory.
// Writes go to a temporary file in the same directory which is fsynced and then
// renamed over the target, so readers only ever see a complete document.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path used for the named set.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named set. A missing document yields an empty result and no error.
// A document that cannot be decoded yields ErrCorrupt.
func (s *Store) Load(name string) ([]string, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

// Save overwrites the named set with values.
func (s *Store) Save(name string, values []string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if values == nil {
		values = []string{}
	}
	for i, v := range values {
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s[%d] %q", ErrInvalidUTF8, name, i, v)
		}
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeAtomic(s.Path(name), data)
}

// Delete removes the named set. Deleting a missing set is not an error.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a document for the named set is present.
func (s *Store) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.Path(name))
	return err == nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// The temp file is removed on every failure path; after a successful
	// rename the remove is a no-op.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

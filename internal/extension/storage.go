package extension

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Storage is a plugin's private key/value store, persisted as one JSON
// document under the host's storage directory. Keys are gjson/sjson
// paths, so nested values work: store.Set("window.width", 120).
type Storage struct {
	mu   sync.Mutex
	path string
	doc  []byte
	read bool
}

// NewStorage creates a storage bound to a file. The file is created on
// first Set.
func NewStorage(path string) *Storage {
	return &Storage{path: path}
}

// Path returns the backing file path (the plugin's storage path).
func (s *Storage) Path() string {
	return s.path
}

// Get returns the value at a key path, or nil if absent.
func (s *Storage) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil
	}
	res := gjson.GetBytes(s.doc, key)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// Set stores a value at a key path and flushes the document to disk.
func (s *Storage) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	doc, err := sjson.SetBytes(s.doc, key, value)
	if err != nil {
		return err
	}
	s.doc = doc
	return s.flush()
}

// Delete removes a key path and flushes.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	doc, err := sjson.DeleteBytes(s.doc, key)
	if err != nil {
		return err
	}
	s.doc = doc
	return s.flush()
}

// load reads the document once. Must be called with mu held.
func (s *Storage) load() error {
	if s.read {
		return nil
	}
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		s.doc = data
	case os.IsNotExist(err):
		s.doc = []byte("{}")
	default:
		return err
	}
	s.read = true
	return nil
}

// flush writes the document. Must be called with mu held.
func (s *Storage) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, s.doc, 0o644)
}

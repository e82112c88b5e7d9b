// Package store implements the typed durable document store rooted at
// the runtime directory. It offers two access patterns: whole-document
// JSON read/write with atomic replace, and append-only line logs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	docExt = ".json"
	logExt = ".log"
)

// Store persists JSON documents and append-only logs under a base
// directory. Concurrent writers to the same document serialize on a
// per-path mutex; readers observe either the pre- or post-commit
// content, never a torn write.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at baseDir, creating it if needed.
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("store: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, newStorageError("init", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the store root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// lockFor returns the mutex guarding one relative path.
func (s *Store) lockFor(rel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[rel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[rel] = l
	}
	return l
}

// resolve joins kind/key under the base dir and rejects traversal.
func (s *Store) resolve(kind, key, ext string) (abs string, rel string, err error) {
	rel = filepath.Join(kind, key+ext)
	clean := filepath.Clean(rel)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", "", newStorageError("resolve", rel, errors.New("path escapes store root"))
	}
	return filepath.Join(s.baseDir, clean), clean, nil
}

// Save writes value as JSON to <base>/<kind>/<key>.json atomically:
// temp file in the same directory, fsync, rename.
func (s *Store) Save(kind, key string, value any) error {
	abs, rel, err := s.resolve(kind, key, docExt)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return newStorageError("marshal", rel, err)
	}

	l := s.lockFor(rel)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return newStorageError("save", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return newStorageError("save", rel, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return newStorageError("save", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return newStorageError("save", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return newStorageError("save", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return newStorageError("save", rel, err)
	}
	return nil
}

// Load reads <base>/<kind>/<key>.json into out. Returns ErrNotFound
// when the document does not exist.
func (s *Store) Load(kind, key string, out any) error {
	abs, rel, err := s.resolve(kind, key, docExt)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return newStorageError("load", rel, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newStorageError("unmarshal", rel, err)
	}
	return nil
}

// AppendLog appends one line to <base>/<kind>/<key>.log. The write is
// a single O_APPEND call, crash-safe up to the last record.
func (s *Store) AppendLog(kind, key, line string) error {
	abs, rel, err := s.resolve(kind, key, logExt)
	if err != nil {
		return err
	}

	l := s.lockFor(rel)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return newStorageError("append", rel, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return newStorageError("append", rel, err)
	}
	defer f.Close()

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return newStorageError("append", rel, err)
	}
	return nil
}

// ReadLog returns the full contents of <base>/<kind>/<key>.log, or an
// empty string when no log exists yet.
func (s *Store) ReadLog(kind, key string) (string, error) {
	abs, rel, err := s.resolve(kind, key, logExt)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", newStorageError("read", rel, err)
	}
	return string(data), nil
}

// List returns the entry names directly under <base>/<prefix>, sorted.
// Document names are returned without their .json extension;
// subdirectory names are returned as-is. A missing prefix directory
// yields an empty slice.
func (s *Store) List(prefix string) ([]string, error) {
	clean := filepath.Clean(prefix)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, newStorageError("list", prefix, errors.New("path escapes store root"))
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newStorageError("list", clean, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			if strings.HasPrefix(name, ".") {
				continue // temp files from interrupted saves
			}
			name = strings.TrimSuffix(name, docExt)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the document <kind>/<key>.json is present.
func (s *Store) Exists(kind, key string) bool {
	abs, _, err := s.resolve(kind, key, docExt)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	return statErr == nil
}

// Remove deletes the document <kind>/<key>.json. Removing an absent
// document is not an error.
func (s *Store) Remove(kind, key string) error {
	abs, rel, err := s.resolve(kind, key, docExt)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return newStorageError("remove", rel, err)
	}
	return nil
}

// RemoveDir deletes an entire subtree (e.g. a terminated run directory
// during retention cleanup).
func (s *Store) RemoveDir(prefix string) error {
	clean := filepath.Clean(prefix)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) || clean == "." {
		return newStorageError("removedir", prefix, errors.New("path escapes store root"))
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, clean)); err != nil {
		return newStorageError("removedir", clean, err)
	}
	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrAtomicWriteFailed wraps every failure of the temp-then-rename write.
var ErrAtomicWriteFailed = errors.New("repository: atomic write failed")

const (
	defaultDirPerm  os.FileMode = 0o700
	defaultFilePerm os.FileMode = 0o600
)

// FileBackend stores each collection as one JSON file in a directory.
type FileBackend struct {
	dir string
	now func() time.Time
}

// NewFileBackend creates the data directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("repository: data dir must not be empty")
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, fmt.Errorf("repository: ensure dir %s: %w", dir, err)
	}
	return &FileBackend{dir: dir, now: time.Now}, nil
}

// Path returns the file backing collection c.
func (b *FileBackend) Path(c Collection) string {
	return filepath.Join(b.dir, string(c)+".json")
}

// Load reads a collection. A missing file is an empty document. A file that
// is not valid JSON is moved aside and treated as empty so the next save
// cannot silently destroy it.
func (b *FileBackend) Load(_ context.Context, c Collection) (Document, error) {
	path := b.Path(c)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: load %s: %w", c, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Document{}, nil
	}
	doc := Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, b.now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("repository: load %s: %w (quarantine failed: %v)", c, err, rerr)
		}
		return Document{}, &CorruptError{Collection: c, QuarantinedAt: aside, Err: err}
	}
	return doc, nil
}

// Save replaces the collection file atomically. changed is ignored; the file
// backend always writes the whole document.
func (b *FileBackend) Save(_ context.Context, c Collection, doc Document, _ ...string) error {
	if doc == nil {
		doc = Document{}
	}
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: encode %s: %w", c, err)
	}
	return writeAtomic(b.Path(c), content)
}

// Get loads the collection and returns one entry.
func (b *FileBackend) Get(ctx context.Context, c Collection, key string) (json.RawMessage, bool, error) {
	doc, err := b.Load(ctx, c)
	if err != nil {
		return nil, false, err
	}
	v, ok := doc[key]
	return v, ok, nil
}

// CorruptError reports a document that could not be parsed and was moved
// aside. The returned Document is empty and usable.
type CorruptError struct {
	Collection    Collection
	QuarantinedAt string
	Err           error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("repository: %s is corrupt, moved to %s: %v", e.Collection, e.QuarantinedAt, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func writeAtomic(path string, content []byte) error {
	parentDir := filepath.Dir(path)
	if err := os.MkdirAll(parentDir, defaultDirPerm); err != nil {
		return fmt.Errorf("%w: ensure dir %s: %v", ErrAtomicWriteFailed, parentDir, err)
	}

	tmp, err := os.CreateTemp(parentDir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}

	if dir, err := os.Open(parentDir); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupPrefix = "backup_"

// Backup writes a snapshot of every collection into a timestamped
// directory under dir and removes the oldest snapshots beyond keep.
// It returns the created directory.
func Backup(s *Store, dir string, now time.Time, keep int) (string, error) {
	if s == nil {
		return "", errors.New("repository: store must not be nil")
	}
	snap, err := s.Snapshot()
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, backupPrefix+now.Format("20060102_150405"))
	if err := os.MkdirAll(target, defaultDirPerm); err != nil {
		return "", fmt.Errorf("repository: backup mkdir: %w", err)
	}
	for c, doc := range snap {
		content, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("repository: backup encode %s: %w", c, err)
		}
		if err := writeAtomic(filepath.Join(target, string(c)+".json"), content); err != nil {
			return "", fmt.Errorf("repository: backup %s: %w", c, err)
		}
	}
	if err := pruneBackups(dir, keep); err != nil {
		return target, err
	}
	return target, nil
}

// pruneBackups keeps the newest keep backup directories. Names sort
// chronologically because of the timestamp layout.
func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("repository: list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("repository: prune backups: %w", errors.Join(errs...))
	}
	return nil
}

// Package fsutil provides crash-safe file writes, corrupt-file quarantine
// and an advisory run lock for the on-disk stores.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/teranos/docpulse/errors"
)

// TempSuffix is appended to the target path for the in-flight write.
// A leftover sibling with this suffix means a crash happened before rename.
const TempSuffix = ".tmp"

// DefaultFilePermissions for checkpoint and state files
const DefaultFilePermissions = 0o644

// WriteJSON marshals v with indentation and writes it atomically to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "json marshal")
	}
	return AtomicWrite(path, data)
}

// AtomicWrite writes content to path.tmp, fsyncs it, then renames it over
// path. Readers observe either the previous file or the new one, never a
// partial write.
func AtomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory %s", dir)
	}

	tmpName := path + TempSuffix
	tmp, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, DefaultFilePermissions)
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}

	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "atomic rename")
	}
	renamed = true
	return nil
}

// RemoveOrphanedTemp deletes a temp sibling left behind by a crashed write.
// Returns true when a file was removed.
func RemoveOrphanedTemp(path string) (bool, error) {
	err := os.Remove(path + TempSuffix)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "remove orphaned temp file")
}

package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/docpulse/errors"
)

// QuarantineDir is the directory, next to the damaged file, that receives
// unreadable files.
const QuarantineDir = "quarantine"

// Quarantine moves an unreadable file out of the way so the caller can start
// fresh without destroying the evidence. Returns the new location.
func Quarantine(filePath string, now time.Time) (string, error) {
	dir := filepath.Join(filepath.Dir(filePath), QuarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create quarantine dir")
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), now.UTC().Format("20060102T150405.000"))
	dest := filepath.Join(dir, name)

	if err := os.Rename(filePath, dest); err != nil {
		return "", errors.Wrap(err, "move to quarantine")
	}
	return dest, nil
}

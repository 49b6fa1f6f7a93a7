package db

import (
	"strings"

	"github.com/teranos/docpulse/errors"
)

// ErrDatabaseClosed marks work attempted after the registry database was
// closed, typically a late save racing CLI shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err is ErrDatabaseClosed or the
// database/sql error for a closed handle, which the driver returns unwrapped.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

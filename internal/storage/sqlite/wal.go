package sqlite

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrWALInUse is returned when an open fails and the WAL sidecar files are
// held by another process, so they cannot be treated as crash leftovers.
var ErrWALInUse = errors.New("sqlite: WAL files held by another process")

// WALRecovery describes a successful open after removing stale WAL files.
type WALRecovery struct {
	Path    string    `json:"path"`
	Removed []string  `json:"removed"`
	Cause   string    `json:"cause"`
	At      time.Time `json:"at"`
}

// walHolders reports whether any process has one of paths open.
type walHolders func(paths ...string) (bool, error)

// WithWALHolderCheck replaces the lsof based check used before stale WAL
// files are removed.
func WithWALHolderCheck(fn func(paths ...string) (bool, error)) Option {
	return func(s *AnchorStore) {
		if fn != nil {
			s.holders = fn
		}
	}
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError reports whether an open failed with SQLITE_IOERR or
// SQLITE_BUSY, the codes a crashed writer's -shm/-wal files produce.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	var serr *msqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_BUSY:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// walSidecars returns the -shm and -wal files that exist next to dbPath.
func walSidecars(dbPath string) []string {
	var out []string
	for _, suffix := range []string{"-shm", "-wal"} {
		p := dbPath + suffix
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// lsofHolders asks lsof whether anything has paths open. lsof exits 1 when
// nothing does.
func lsofHolders(paths ...string) (bool, error) {
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return false, fmt.Errorf("lsof unavailable: %w", err)
	}
	out, err := exec.Command(lsof, append([]string{"-t"}, paths...)...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("lsof: %w", err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// recoverWAL removes dbPath's sidecar files when no process holds them.
// It returns nil, nil when there is nothing to recover.
func recoverWAL(dbPath string, holders walHolders, cause error) (*WALRecovery, error) {
	sidecars := walSidecars(dbPath)
	if len(sidecars) == 0 {
		return nil, nil
	}
	held, err := holders(append([]string{dbPath}, sidecars...)...)
	if err != nil {
		return nil, fmt.Errorf("check WAL holders for %s: %w", dbPath, err)
	}
	if held {
		return nil, fmt.Errorf("%w: %s", ErrWALInUse, dbPath)
	}

	rec := &WALRecovery{Path: dbPath, Cause: cause.Error(), At: time.Now().UTC()}
	var errs []error
	for _, p := range sidecars {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		rec.Removed = append(rec.Removed, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("remove stale WAL files: %w", err)
	}
	return rec, nil
}

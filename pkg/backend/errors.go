package backend

import (
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// PostgreSQL error codes that do not go away on retry.
var permanentPgCodes = map[string]bool{
	pgerrcode.UniqueViolation:           true,
	pgerrcode.ForeignKeyViolation:       true,
	pgerrcode.NotNullViolation:          true,
	pgerrcode.CheckViolation:            true,
	pgerrcode.InvalidTextRepresentation: true,
	pgerrcode.UndefinedTable:            true,
	pgerrcode.UndefinedColumn:           true,
	pgerrcode.SyntaxError:               true,
	pgerrcode.InsufficientPrivilege:     true,
}

// IsPermanent reports whether err must be delivered to callers instead of
// being retried. Everything not recognised here is treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return permanentPgCodes[pgErr.Code]
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_ERROR, sqlite3.SQLITE_MISMATCH:
			return true
		}
	}

	return false
}

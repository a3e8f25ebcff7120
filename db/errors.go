package db

import (
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound signals a missing tenant, event, key, or checkpoint.
	ErrNotFound = errors.New("not found")
	// ErrConflict surfaces a uniqueness violation or an already-performed
	// one-shot operation. Callers may retry issue conflicts; the
	// idempotency key is the recommended remedy.
	ErrConflict = errors.New("conflict")
	// ErrBootstrapLocked rejects any bootstrap attempt after the freeze.
	ErrBootstrapLocked = errors.New("bootstrap locked")
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

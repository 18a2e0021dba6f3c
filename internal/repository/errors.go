package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// wrapPgError annotates err with op and maps constraint violations onto the
// package sentinels so callers can use errors.Is.
func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("failed to %s: %w: %w", op, ErrConflict, err)
		case pgForeignKeyViolation:
			return fmt.Errorf("failed to %s: %w: %w", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

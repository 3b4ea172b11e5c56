package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes we branch on.
const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsConflict reports unique or exclusion constraint violations
// (duplicate keys, overlapping time ranges).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation || pgErr.Code == pgExclusionViolation
	}
	return false
}

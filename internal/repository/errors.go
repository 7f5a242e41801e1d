package repository

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation reports whether err is a Postgres unique_violation,
// optionally narrowed to a single constraint name. Constraint-backed
// inserts lean on this to map races into domain errors.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

package reliability

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Permanent marks an error that replaying the same write cannot fix.
type Permanent interface {
	Permanent() bool
}

// IsRetryableStoreError classifies store failures worth replaying later.
// Constraint and data errors are final; connection, resource and
// serialization failures are not.
func IsRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var p Permanent
	if errors.As(err, &p) && p.Permanent() {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return IsRetryableSQLState(pgErr.Code)
	}
	return true
}

// IsRetryableSQLState classifies PostgreSQL SQLSTATE codes.
func IsRetryableSQLState(code string) bool {
	switch {
	case code == "40001", code == "40P01":
		return true
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"):
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

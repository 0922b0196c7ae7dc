package database

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"investment-settlement/internal/ledger"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation    = "23505"
	pgErrCheckViolation     = "23514"
	pgErrSerializationFail  = "40001"
	pgErrDeadlockDetected   = "40P01"
	pgErrTooManyConnections = "53300"
	pgErrAdminShutdown      = "57P01"
	pgErrCrashShutdown      = "57P02"
	pgErrCannotConnectNow   = "57P03"
)

// mapError translates driver errors into ledger sentinels, keeping the
// original message
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ledger.ErrDuplicateKey)
		case pgErrCheckViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ledger.ErrInvariantViolation)
		case pgErrSerializationFail, pgErrDeadlockDetected:
			return fmt.Errorf("%s: %w", pgErr.Message, ledger.ErrConflict)
		case pgErrTooManyConnections, pgErrAdminShutdown, pgErrCrashShutdown, pgErrCannotConnectNow:
			return fmt.Errorf("%s: %w", pgErr.Message, ledger.ErrStoreUnavailable)
		}
		// class 08 is connection exception
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return fmt.Errorf("%s: %w", pgErr.Message, ledger.ErrStoreUnavailable)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%v: %w", err, ledger.ErrStoreUnavailable)
	}
	// a timeout on a live connection is transient, anything else on the
	// socket means the server is gone
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ledger.ErrStoreUnavailable)
	}
	return err
}

package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const (
	sqlStateClassConnection = "08"
	sqlStateClassResources  = "53"
)

// SQLState extracts the Postgres SQLSTATE from pgx or lib/pq errors.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports whether the provided error references a Postgres
// unique violation constraint. When constraintName is provided, the helper looks
// for the constraint text in the error message.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if SQLState(err) != pgerrcode.UniqueViolation && !strings.Contains(err.Error(), "duplicate key value") {
		return false
	}
	if constraintName != "" {
		return strings.Contains(err.Error(), constraintName)
	}
	return true
}

// IsTransient reports whether a failed statement is worth retrying on a
// fresh connection or transaction.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := SQLState(err); code != "" {
		switch {
		case strings.HasPrefix(code, sqlStateClassConnection),
			strings.HasPrefix(code, sqlStateClassResources),
			code == pgerrcode.SerializationFailure,
			code == pgerrcode.DeadlockDetected,
			code == pgerrcode.LockNotAvailable,
			code == pgerrcode.AdminShutdown,
			code == pgerrcode.CrashShutdown,
			code == pgerrcode.CannotConnectNow,
			code == pgerrcode.QueryCanceled:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// IsSchemaMismatch reports whether the error stems from missing or
// incompatible tables/columns, which no retry or upsert can resolve.
func IsSchemaMismatch(err error) bool {
	if err == nil {
		return false
	}
	switch SQLState(err) {
	case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn, pgerrcode.DatatypeMismatch,
		pgerrcode.InvalidColumnReference, pgerrcode.InvalidColumnDefinition:
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named")
}

package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour of the connected store
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// ParseDialect maps a driver name onto a Dialect
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q (must be postgres or sqlite3)", driver)
	}
}

// DriverName returns the database/sql driver name
func (d Dialect) DriverName() string {
	return string(d)
}

// ForUpdate returns the row-lock suffix for SELECT statements that precede
// a write to the selected row. SQLite serialises writers and has no row locks.
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// ForShare returns the shared row-lock suffix
func (d Dialect) ForShare() string {
	if d == Postgres {
		return " FOR SHARE"
	}
	return ""
}

// ReadTxOptions returns options for read-only snapshot transactions
func (d Dialect) ReadTxOptions() *sql.TxOptions {
	if d == Postgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// WriteTxOptions returns options for mutating transactions
func (d Dialect) WriteTxOptions() *sql.TxOptions {
	return nil
}

// Placeholders renders n numbered placeholders starting at start,
// e.g. Placeholders(3, 2) == "$3, $4".
func Placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

// IsUniqueViolation reports whether err was raised by a unique index or
// primary key, for either supported driver
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

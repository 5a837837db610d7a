// Package repository holds the MySQL data access for settings, bookings and
// payment attempts.  The sentinel values below let the service layer tell
// failure scenarios apart without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a row addressed by id or reference does not
// exist.  Handlers translate it into 404.
var ErrNotFound = errors.New("not found")

// MySQL server error numbers.
const (
	mysqlDuplicateEntry  = 1062 // ER_DUP_ENTRY
	mysqlLockWaitTimeout = 1205 // ER_LOCK_WAIT_TIMEOUT
	mysqlDeadlock        = 1213 // ER_LOCK_DEADLOCK
)

// isDuplicate reports whether err is a unique index violation.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// isRetryable reports whether err aborted a transaction that can simply be
// run again.
func isRetryable(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && (me.Number == mysqlDeadlock || me.Number == mysqlLockWaitTimeout)
}

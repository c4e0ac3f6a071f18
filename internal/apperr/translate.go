package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers the translator understands.
const (
	mysqlErrLockWaitTimeout   uint16 = 1205
	mysqlErrDuplicateEntry    uint16 = 1062
	mysqlErrRowIsReferenced   uint16 = 1451
	mysqlErrNoReferencedRow   uint16 = 1452
	mysqlErrBadNullColumn     uint16 = 1048
	mysqlErrNoDefaultForField uint16 = 1364
	mysqlErrDataTooLong       uint16 = 1406
	mysqlErrQueryInterrupted  uint16 = 1317
)

var duplicateEntryRe = regexp.MustCompile(`Duplicate entry '(.*)' for key '([^']+)'`)

// Translate maps a storage fault to a typed Error. Errors that already carry
// an explicit kind (validation, authorization, ...) pass through unchanged.
// In production mode unmapped faults collapse to a generic 500 so raw engine
// messages never leak to callers.
func Translate(err error, production bool) *Error {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindEngine, Status: http.StatusRequestTimeout, Message: "operation timed out"}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return &Error{Kind: KindEngine, Status: http.StatusServiceUnavailable, Message: "storage connection failed"}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return translateMySQL(mysqlErr, production)
	}

	return genericEngineError(err, production)
}

func translateMySQL(mysqlErr *mysql.MySQLError, production bool) *Error {
	switch mysqlErr.Number {
	case mysqlErrDuplicateEntry:
		return &Error{Kind: KindConflict, Status: http.StatusConflict, Message: duplicateEntryMessage(mysqlErr.Message)}
	case mysqlErrNoReferencedRow:
		return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: "related record does not exist"}
	case mysqlErrRowIsReferenced:
		return &Error{Kind: KindConflict, Status: http.StatusConflict, Message: "record is still referenced by related records"}
	case mysqlErrBadNullColumn, mysqlErrNoDefaultForField, mysqlErrDataTooLong:
		return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: mysqlErr.Message}
	case mysqlErrLockWaitTimeout, mysqlErrQueryInterrupted:
		return &Error{Kind: KindEngine, Status: http.StatusRequestTimeout, Message: "operation timed out"}
	default:
		return genericEngineError(mysqlErr, production)
	}
}

// duplicateEntryMessage extracts the offending value and key from MySQL's
// duplicate entry message so callers see which field conflicted.
func duplicateEntryMessage(raw string) string {
	m := duplicateEntryRe.FindStringSubmatch(raw)
	if m == nil {
		return "duplicate value for a unique field"
	}
	return fmt.Sprintf("duplicate value %q for unique key %q", m[1], m[2])
}

func genericEngineError(err error, production bool) *Error {
	message := "internal storage error"
	if !production {
		message = err.Error()
	}
	return &Error{Kind: KindEngine, Status: http.StatusInternalServerError, Message: message}
}

package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateNil(t *testing.T) {
	assert.Nil(t, Translate(nil, false))
}

func TestTranslatePassesThroughTypedErrors(t *testing.T) {
	original := NotFoundf("orders record not found")

	translated := Translate(original, true)
	assert.Same(t, original, translated)

	// Wrapped typed errors unwrap to the original.
	wrapped := fmt.Errorf("get: %w", original)
	assert.Same(t, original, Translate(wrapped, true))
}

func TestTranslateTimeouts(t *testing.T) {
	translated := Translate(context.DeadlineExceeded, false)
	assert.Equal(t, http.StatusRequestTimeout, translated.Status)
	assert.Equal(t, KindEngine, translated.Kind)
}

func TestTranslateConnectionFaults(t *testing.T) {
	for _, err := range []error{driver.ErrBadConn, mysql.ErrInvalidConn} {
		translated := Translate(err, false)
		assert.Equal(t, http.StatusServiceUnavailable, translated.Status)
	}
}

func TestTranslateMySQLErrors(t *testing.T) {
	tests := []struct {
		name           string
		number         uint16
		message        string
		expectedStatus int
		expectedKind   Kind
	}{
		{"duplicate entry", 1062, "Duplicate entry 'a@b.c' for key 'users.email'", http.StatusConflict, KindConflict},
		{"missing referenced row", 1452, "Cannot add or update a child row", http.StatusNotFound, KindNotFound},
		{"row still referenced", 1451, "Cannot delete or update a parent row", http.StatusConflict, KindConflict},
		{"null constraint", 1048, "Column 'name' cannot be null", http.StatusBadRequest, KindValidation},
		{"missing default", 1364, "Field 'name' doesn't have a default value", http.StatusBadRequest, KindValidation},
		{"data too long", 1406, "Data too long for column 'name'", http.StatusBadRequest, KindValidation},
		{"lock wait timeout", 1205, "Lock wait timeout exceeded", http.StatusRequestTimeout, KindEngine},
		{"query interrupted", 1317, "Query execution was interrupted", http.StatusRequestTimeout, KindEngine},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			translated := Translate(&mysql.MySQLError{Number: tc.number, Message: tc.message}, false)
			assert.Equal(t, tc.expectedStatus, translated.Status)
			assert.Equal(t, tc.expectedKind, translated.Kind)
		})
	}
}

func TestTranslateDuplicateEntryMessage(t *testing.T) {
	translated := Translate(&mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry 'a@b.c' for key 'users.email'",
	}, true)
	assert.Equal(t, `duplicate value "a@b.c" for unique key "users.email"`, translated.Message)

	// An unrecognized message shape falls back to a generic phrasing but
	// still reports the conflict.
	translated = Translate(&mysql.MySQLError{Number: 1062, Message: "something odd"}, true)
	assert.Equal(t, http.StatusConflict, translated.Status)
	assert.Equal(t, "duplicate value for a unique field", translated.Message)
}

func TestTranslateProductionMasksUnmappedErrors(t *testing.T) {
	raw := errors.New("table `secret_internal` is corrupted")

	translated := Translate(raw, true)
	require.Equal(t, http.StatusInternalServerError, translated.Status)
	assert.Equal(t, "internal storage error", translated.Message)

	// Development keeps the original message for debugging.
	translated = Translate(raw, false)
	assert.Equal(t, raw.Error(), translated.Message)

	// Unmapped MySQL numbers mask the same way.
	translated = Translate(&mysql.MySQLError{Number: 1105, Message: "Unknown error"}, true)
	assert.Equal(t, "internal storage error", translated.Message)
}

func TestIsKind(t *testing.T) {
	err := Validationf("bad input")
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(errors.New("plain"), KindValidation))
}

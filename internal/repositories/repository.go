// Package repositories holds the postgres data access layer. Fixed tables
// (clients, fn_sale_task, api_keys, bitrix directories) are migrated up
// front; device tables grow columns at runtime through the schema registry.
package repositories

import (
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// NotFound returns a 404 HTTP error with a descriptive message
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// BadRequest returns a 400 HTTP error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// Conflict returns a 409 HTTP error
func Conflict(message string) error {
	return httperror.NewHTTPError(http.StatusConflict, message)
}

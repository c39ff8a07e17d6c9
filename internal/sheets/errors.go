// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sheets

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized  = errors.New("sheets: credential rejected")
	ErrSheetNotFound = errors.New("sheets: spreadsheet or tab not found")
	ErrRateLimited   = errors.New("sheets: rate limited")

	// errThrottled is a local quota wait that could not complete.
	errThrottled = errors.New("sheets: local quota exhausted")
)

// APIError is a non-2xx answer from the Sheets API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sheets api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("sheets api: status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode == http.StatusNotFound:
		return ErrSheetNotFound
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// countsAgainstBreaker reports errors that indicate an unhealthy upstream
// rather than a bad request or an abandoned call.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSheetNotFound) || errors.Is(err, errThrottled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return false
	}
	return !isContextError(err)
}

package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrNotFound = errors.New("fhir: resource not found")

// Error is a non-2xx response from the FHIR server.
type Error struct {
	Status int
	Issues []Issue
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		switch {
		case issue.Diagnostics != "":
			msgs = append(msgs, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Text != "":
			msgs = append(msgs, issue.Details.Text)
		case issue.Code != "":
			msgs = append(msgs, issue.Code)
		}
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("fhir: status %d", e.Status)
	}
	return fmt.Sprintf("fhir: status %d: %s", e.Status, strings.Join(msgs, "; "))
}

func (e *Error) Unwrap() error {
	if e.Status == http.StatusNotFound || e.Status == http.StatusGone {
		return ErrNotFound
	}
	return nil
}

// Temporary reports whether retrying the request may succeed.
func (e *Error) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

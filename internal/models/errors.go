package models

import (
	"errors"
	"fmt"
)

var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrOpportunityNotFound = errors.New("opportunity not found")
	ErrNotInitialized      = errors.New("credit account not initialized")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ValidationError reports malformed profile or opportunity input.
type ValidationError struct {
	Field  string
	Reason string
	// ID identifies the offending record when the input is a collection.
	ID string
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("validation failed for %s: %s %s", e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

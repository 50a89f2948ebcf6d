package storage

import (
	"errors"
	"fmt"

	"github.com/scrypster/anchorflow/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCircuitOpen is returned when the circuit breaker is open and
	// rejects store calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// DefaultListLimit is the number of anchors returned when no limit is given.
const DefaultListLimit = 50

// ValidateAnchor checks the fields every backend requires before writing.
func ValidateAnchor(anchor *types.MemoryAnchor) error {
	if anchor == nil {
		return ErrInvalidInput
	}
	if anchor.ID == "" {
		return fmt.Errorf("%w: anchor ID is required", ErrInvalidInput)
	}
	if len(anchor.Cursors) == 0 {
		return fmt.Errorf("%w: anchor %s has no cursors", ErrInvalidInput, anchor.ID)
	}
	if anchor.ConfidenceScore < 0 || anchor.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidInput, anchor.ConfidenceScore)
	}
	return nil
}

// NormalizeLimit clamps a list limit to a sane positive value.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

package cluster

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFractionOutOfRange is matched by every *FractionError
	ErrFractionOutOfRange = errors.New("shed fraction out of range")

	// ErrNegativePending is returned when a pending eviction count below zero is set
	ErrNegativePending = errors.New("pending eviction count must be >= 0")

	// ErrNotLocal is returned when a node-scoped query targets another node
	ErrNotLocal = errors.New("node is not local")

	// ErrStopped is returned by components that were already stopped
	ErrStopped = errors.New("component stopped")
)

// FractionError reports a shed fraction outside (0, 1]
type FractionError struct {
	Fraction float64
}

func (e *FractionError) Error() string {
	return fmt.Sprintf("shed fraction %v out of range (0, 1]", e.Fraction)
}

func (e *FractionError) Is(target error) bool {
	return target == ErrFractionOutOfRange
}

// ValidateFraction rejects fractions outside (0, 1]. NaN is rejected too.
func ValidateFraction(fraction float64) error {
	if math.IsNaN(fraction) || fraction <= 0 || fraction > 1 {
		return &FractionError{Fraction: fraction}
	}
	return nil
}

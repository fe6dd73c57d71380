package database

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreTimeout marks a round trip that exceeded its query deadline.
	// Callers may retry.
	ErrStoreTimeout = errors.New("store query timed out")
	// ErrStoreUnavailable marks any other driver or constraint fault.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidCoordinates is returned for an empty or odd-length x,z list.
	ErrInvalidCoordinates = errors.New("coordinates must be a non-empty list of x,z pairs")
	// ErrBanKeyRequired is returned when a ban removal names neither an ip nor a client id.
	ErrBanKeyRequired = errors.New("ip address or client id is required")
)

// storeError classifies err from a round trip run under ctx.
func storeError(ctx context.Context, action string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w: %w", action, ErrStoreTimeout, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", action, ErrStoreUnavailable, err)
}

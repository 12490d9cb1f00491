package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSeats         = errors.New("invalid seat selection")
	ErrSeatUnavailable      = errors.New("seats unavailable")
	ErrHoldExpired          = errors.New("checkout hold expired")
	ErrInvalidState         = errors.New("checkout state does not allow this operation")
	ErrUnauthorized         = errors.New("checkout belongs to another user")
	ErrCheckoutNotFound     = errors.New("checkout not found")
	ErrGatewayUnavailable   = errors.New("seat chart gateway unavailable")
	ErrSignatureInvalid     = errors.New("invalid payment signature")
	ErrTransitionInProgress = errors.New("checkout transition already in progress")
)

// SeatUnavailableError names the seats that could not be held.
// It matches ErrSeatUnavailable with errors.Is.
type SeatUnavailableError struct {
	Seats []string
}

func (e *SeatUnavailableError) Error() string {
	if len(e.Seats) == 0 {
		return ErrSeatUnavailable.Error()
	}
	return fmt.Sprintf("%s: %s", ErrSeatUnavailable, strings.Join(e.Seats, ", "))
}

func (e *SeatUnavailableError) Unwrap() error {
	return ErrSeatUnavailable
}

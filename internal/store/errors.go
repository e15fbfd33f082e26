package store

import "errors"

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrCounterNotFound = errors.New("counter not found")
	ErrDuplicateNumber = errors.New("ticket number already taken")
	ErrStatusMismatch  = errors.New("ticket status changed")
	ErrCounterChanged  = errors.New("counter current ticket changed")
	ErrUnavailable     = errors.New("store unavailable")
)

package pty

import (
	"errors"
	"fmt"
	"syscall"
)

// Kinds of pty failure. Match them with errors.Is against an *Error.
var (
	ErrAllocationFailed = errors.New("pty allocation failed")
	ErrGrantFailed      = errors.New("pty grant failed")
	ErrUnlockFailed     = errors.New("pty unlock failed")
	ErrNoSlavePath      = errors.New("pty has no slave path")
	ErrSlaveOpenFailed  = errors.New("pty slave open failed")
)

var (
	ErrAlreadyOpen     = errors.New("pty: already open")
	ErrNotOpen         = errors.New("pty: not open")
	ErrClosed          = errors.New("pty: closed")
	ErrLayoutFull      = errors.New("pty: sidebar is full")
	ErrSessionNotFound = errors.New("pty: session not found")
)

// Error is an OS failure while acquiring a pty. It carries the kind
// sentinel and the originating errno; both match errors.Is.
type Error struct {
	Op    string
	Kind  error
	Errno syscall.Errno
	Err   error
}

func newError(op string, kind, err error) *Error {
	e := &Error{Op: op, Kind: kind, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pty %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("pty %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ErrBadIndex is returned by Reorder for positions outside the sidebar.
var ErrBadIndex = errors.New("pty: tile index out of range")

var ErrInvalidSize = errors.New("pty: invalid size")

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Constructor failures. They are always reported inside a ConstructError.
var (
	ErrArgumentCount = errors.New("invalid argument count")
	ErrInvalidOffset = errors.New("invalid device sector")
	ErrDeviceLookup  = errors.New("device lookup failed")
	ErrAllocation    = errors.New("cannot allocate context")
)

// Table and request errors.
var (
	ErrTargetExists      = errors.New("target type already registered")
	ErrUnknownTarget     = errors.New("unknown target type")
	ErrTableSyntax       = errors.New("malformed table line")
	ErrTableGap          = errors.New("targets are not contiguous")
	ErrEmptyTable        = errors.New("table has no targets")
	ErrMisalignedTarget  = errors.New("target is not aligned to the logical block size")
	ErrDeviceTooSmall    = errors.New("device is too small for the target")
	ErrOutOfRange        = errors.New("request beyond the end of the volume")
	ErrCrossesBoundary   = errors.New("request crosses a target boundary")
	ErrNotSupported      = errors.New("operation not supported")
	ErrReadOnly          = errors.New("volume is read-only")
	ErrMisalignedPayload = errors.New("payload does not match request length")
	ErrZeroPageRead      = errors.New("read into the shared zero page")
)

// ConstructError is returned by target constructors. Reason is the human
// readable message reported to whoever loads the table and Errno the status
// code. Kind is one of the constructor sentinels and Err the underlying
// cause, if any.
type ConstructError struct {
	Reason string
	Errno  unix.Errno
	Kind   error
	Err    error
}

func (e *ConstructError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ConstructError) Is(target error) bool {
	return target == e.Kind
}

func (e *ConstructError) Unwrap() error {
	return e.Err
}

// Errno returns the first errno found in the chain of err or def if there is
// none.
func Errno(err error, def unix.Errno) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}

	return def
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Feature is a capability a target type advertises once at registration.
type Feature uint32

const (
	FeaturePassesIntegrity Feature = 1 << iota
	FeatureNoWait
	FeaturePassesCrypto
)

func (f Feature) Has(o Feature) bool {
	return f&o == o
}

// Disposition tells the host how to finish a request after Map.
type Disposition int

const (
	// The request was rewritten and has to be submitted to r.Dev.
	DispositionRemapped Disposition = iota

	// The target completed the request itself.
	DispositionSubmitted
)

type StatusType int

const (
	StatusInfo StatusType = iota
	StatusTable
	StatusIMA
)

// IterateFunc is called for every device area a target uses. start and
// length are in sectors of dev.
type IterateFunc func(ti *Target, dev *Dev, start, length uint64) error

// Mapper is a constructed target instance. Map is called concurrently for
// different requests and must not block.
type Mapper interface {
	Map(ti *Target, r *Request) Disposition
	Status(ti *Target, typ StatusType) string

	// PrepareIoctl returns the device ioctls would be passed to and
	// whether passing them through is allowed.
	PrepareIoctl(ti *Target) (*Dev, bool)

	IterateDevices(ti *Target, fn IterateFunc) error

	// Close releases everything the constructor acquired. Called exactly
	// once.
	Close(ti *Target)
}

// TargetType describes a mapping policy. New constructs a target instance
// from the table line arguments. On failure it returns a ConstructError,
// usually created by Target.Fail.
type TargetType struct {
	Name     string
	Version  [3]uint32
	Features Feature
	New      func(ti *Target, args []string) (Mapper, error)
}

func (t *TargetType) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", t.Version[0], t.Version[1], t.Version[2])
}

// Target is one line of a table. Constructor sets the number of flush,
// discard and similar requests the target wants to receive, zero means the
// kind is not supported.
type Target struct {
	Type  *TargetType
	Table *Table

	// First sector of the volume covered by the target and number of
	// sectors.
	Begin uint64
	Len   uint64

	// Reason of the constructor failure.
	Error string

	NumFlushRequests       uint
	NumDiscardRequests     uint
	NumSecureEraseRequests uint
	NumWriteSameRequests   uint
	NumWriteZeroesRequests uint

	Mapper Mapper
}

// Offset returns sector relative to the beginning of the target.
func (ti *Target) Offset(sector uint64) uint64 {
	return sector - ti.Begin
}

func (ti *Target) End() uint64 {
	return ti.Begin + ti.Len
}

// Mode the table and hence all its devices are opened with.
func (ti *Target) Mode() Mode {
	return ti.Table.mode
}

func (ti *Target) GetDevice(path string, mode Mode) (*Dev, error) {
	return ti.Table.GetDevice(path, mode)
}

func (ti *Target) PutDevice(d *Dev) {
	ti.Table.PutDevice(d)
}

// Fail records reason as the target error and returns the matching
// ConstructError.
func (ti *Target) Fail(reason string, errno unix.Errno, kind, err error) error {
	ti.Error = reason

	return &ConstructError{Reason: reason, Errno: errno, Kind: kind, Err: err}
}

// NameVersion is the prefix of every IMA status line.
func (ti *Target) NameVersion() string {
	return fmt.Sprintf("target_name=%s,target_version=%s", ti.Type.Name, ti.Type.VersionString())
}

func (ti *Target) supports(op Op) bool {
	switch op {
	case OpFlush:
		return ti.NumFlushRequests > 0
	case OpDiscard:
		return ti.NumDiscardRequests > 0
	case OpSecureErase:
		return ti.NumSecureEraseRequests > 0
	case OpWriteSame:
		return ti.NumWriteSameRequests > 0
	case OpWriteZeroes:
		return ti.NumWriteZeroesRequests > 0
	}
	return true
}

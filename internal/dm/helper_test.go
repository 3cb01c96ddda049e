// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sys/unix"
)

// memDevice is the storage shared by all handles opened on it.
type memDevice struct {
	data     []byte
	syncs    int
	discards int
	zeroes   int
}

func newMemDevice(sectors uint64) *memDevice {
	return &memDevice{data: make([]byte, sectors<<SectorShift)}
}

// memHandle is one open of a memDevice.
type memHandle struct {
	*memDevice
	r *memResolver
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(h.data)) {
		return 0, unix.ENOSPC
	}
	return copy(h.data[off:], p), nil
}

func (h *memHandle) Size() (int64, error) {
	return int64(len(h.data)), nil
}

func (h *memHandle) Sync() error {
	h.syncs++
	return nil
}

func (h *memHandle) Discard(off, length int64, secure bool) error {
	h.discards++
	return h.zero(off, length)
}

func (h *memHandle) WriteZeroes(off, length int64) error {
	h.zeroes++
	return h.zero(off, length)
}

func (h *memHandle) zero(off, length int64) error {
	for i := off; i < off+length; i++ {
		h.data[i] = 0
	}
	return nil
}

func (h *memHandle) Close() error {
	h.r.closes++
	return nil
}

type memResolver struct {
	devs   map[string]*memDevice
	opens  int
	closes int
}

func newMemResolver() *memResolver {
	return &memResolver{devs: make(map[string]*memDevice)}
}

func (r *memResolver) add(name string, sectors uint64) *memDevice {
	d := newMemDevice(sectors)
	r.devs[name] = d
	return d
}

func (r *memResolver) Open(path string, mode Mode) (BlockDevice, string, error) {
	d, ok := r.devs[path]
	if !ok {
		return nil, "", unix.ENOENT
	}
	r.opens++
	return &memHandle{memDevice: d, r: r}, path, nil
}

// offsetTarget maps its range onto "<dev> <start>" like the real targets do,
// flushes are accepted, discards only when a third argument "discard" is
// given.
type offsetTarget struct {
	dev   *Dev
	start uint64
}

var offsetType = &TargetType{
	Name:     "offset",
	Version:  [3]uint32{1, 2, 3},
	Features: FeaturePassesCrypto | FeatureNoWait,
	New: func(ti *Target, args []string) (Mapper, error) {
		if len(args) < 2 {
			return nil, ti.Fail("Invalid argument count", unix.EINVAL, ErrArgumentCount, nil)
		}
		start, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return nil, ti.Fail("Invalid device sector", unix.EINVAL, ErrInvalidOffset, err)
		}
		dev, err := ti.GetDevice(args[0], ti.Mode())
		if err != nil {
			return nil, ti.Fail("Device lookup failed", Errno(err, unix.ENODEV), ErrDeviceLookup, err)
		}
		ti.NumFlushRequests = 1
		if len(args) > 2 && args[2] == "discard" {
			ti.NumDiscardRequests = 1
		}
		return &offsetTarget{dev: dev, start: start}, nil
	},
}

func (o *offsetTarget) Map(ti *Target, r *Request) Disposition {
	r.Dev = o.dev
	if r.HasSectorCount() {
		r.Sector = o.start + ti.Offset(r.Sector)
	}
	return DispositionRemapped
}

func (o *offsetTarget) Status(ti *Target, typ StatusType) string {
	switch typ {
	case StatusTable:
		return fmt.Sprintf("%s %d", o.dev.Name(), o.start)
	case StatusIMA:
		return fmt.Sprintf("%s,start=%d;", ti.NameVersion(), o.start)
	}
	return ""
}

func (o *offsetTarget) PrepareIoctl(ti *Target) (*Dev, bool) {
	return o.dev, o.start == 0
}

func (o *offsetTarget) IterateDevices(ti *Target, fn IterateFunc) error {
	return fn(ti, o.dev, o.start, ti.Len)
}

func (o *offsetTarget) Close(ti *Target) {
	ti.PutDevice(o.dev)
}

// completeTarget completes every request itself.
var completeType = &TargetType{
	Name: "complete",
	New: func(ti *Target, args []string) (Mapper, error) {
		return completeTarget{}, nil
	},
}

type completeTarget struct{}

func (completeTarget) Map(ti *Target, r *Request) Disposition          { return DispositionSubmitted }
func (completeTarget) Status(ti *Target, typ StatusType) string        { return "" }
func (completeTarget) PrepareIoctl(ti *Target) (*Dev, bool)            { return nil, false }
func (completeTarget) IterateDevices(ti *Target, fn IterateFunc) error { return nil }
func (completeTarget) Close(ti *Target)                                {}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register(offsetType)
	r.Register(completeType)
	return r
}

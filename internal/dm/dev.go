// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Mode is the access mode a device is opened with.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite

	ModeReadWrite = ModeRead | ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeReadWrite:
		return "rw"
	}
	return "-"
}

// BlockDevice is an underlying device requests are remapped to. Offsets and
// lengths are in bytes.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt

	// Size of the device in bytes.
	Size() (int64, error)

	Sync() error
	Discard(off, length int64, secure bool) error
	WriteZeroes(off, length int64) error
	Close() error
}

// Resolver opens devices by path. It returns the device together with its
// canonical name which, when opened again, resolves to the same device.
type Resolver interface {
	Open(path string, mode Mode) (BlockDevice, string, error)
}

// Underlying device shared by all references to it within one table.
type openDevice struct {
	name string
	mode Mode
	bdev BlockDevice
	refs int
}

// Dev is a reference to an opened device. Each reference is released
// exactly once with Table.PutDevice.
type Dev struct {
	od  *openDevice
	put int32
}

func (d *Dev) Name() string {
	return d.od.name
}

func (d *Dev) Mode() Mode {
	return d.od.mode
}

func (d *Dev) BlockDevice() BlockDevice {
	return d.od.bdev
}

// Sectors returns the size of the device in sectors.
func (d *Dev) Sectors() (uint64, error) {
	size, err := d.od.bdev.Size()
	if err != nil {
		return 0, errors.Wrapf(err, "size of %s", d.od.name)
	}

	return uint64(size) >> SectorShift, nil
}

// Submit executes remapped request r on the device. Sector of the request
// is relative to the device.
func (d *Dev) Submit(r *Request) error {
	if r.Op.IsWrite() && d.od.mode&ModeWrite == 0 {
		return errors.Wrapf(ErrReadOnly, "%s to %s", r.Op, d.od.name)
	}
	if r.Op == OpRead && r.readsIntoZeroPage() {
		return errors.Wrapf(ErrZeroPageRead, "%s from %s", r.Op, d.od.name)
	}

	off := int64(r.Sector << SectorShift)
	length := int64(r.Sectors << SectorShift)
	bdev := d.od.bdev

	var err error
	switch r.Op {
	case OpRead:
		err = forEachSegment(r.Segments, off, func(buf []byte, off int64) error {
			n, err := bdev.ReadAt(buf, off)
			if n == len(buf) && err == io.EOF {
				err = nil
			}
			return err
		})
	case OpWrite:
		err = forEachSegment(r.Segments, off, func(buf []byte, off int64) error {
			_, err := bdev.WriteAt(buf, off)
			return err
		})
	case OpWriteSame:
		err = d.writeSame(r.Segments[0], off, length)
	case OpFlush:
		err = bdev.Sync()
	case OpDiscard:
		err = bdev.Discard(off, length, false)
	case OpSecureErase:
		err = bdev.Discard(off, length, true)
	case OpWriteZeroes:
		err = bdev.WriteZeroes(off, length)
	default:
		err = ErrNotSupported
	}

	return errors.Wrapf(err, "%s of %d sectors at %d on %s", r.Op, r.Sectors, r.Sector, d.od.name)
}

func (d *Dev) writeSame(s Segment, off, length int64) error {
	var err error
	s.Map(func(buf []byte) {
		for end := off + length; off < end && err == nil; off += int64(len(buf)) {
			n := int64(len(buf))
			if off+n > end {
				n = end - off
			}
			_, err = d.od.bdev.WriteAt(buf[:n], off)
		}
	})

	return err
}

func forEachSegment(segs []Segment, off int64, fn func(buf []byte, off int64) error) error {
	var err error
	for _, s := range segs {
		s.Map(func(buf []byte) {
			err = fn(buf, off)
		})
		if err != nil {
			return err
		}
		off += int64(s.Len)
	}

	return nil
}

// Marks the reference released. Returns false when it already was.
func (d *Dev) release() bool {
	return atomic.CompareAndSwapInt32(&d.put, 0, 1)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/asch/bsmap/internal/dm"
)

// Block device ioctls from <linux/fs.h>.
const (
	blkGetSize64  = 0x80081272
	blkDiscard    = 0x1277
	blkSecDiscard = 0x127d
	blkZeroOut    = 0x127f
)

// file is a block device node or a regular file accessed with positioned
// reads and writes.
type file struct {
	fd    int
	path  string
	block bool
}

// Opens path with mode. Canonical name of a block device is its device
// number "major:minor", regular files are named by their path.
func openFile(path string, mode dm.Mode) (dm.BlockDevice, string, error) {
	flags := unix.O_CLOEXEC
	switch mode {
	case dm.ModeRead:
		flags |= unix.O_RDONLY
	case dm.ModeWrite:
		flags |= unix.O_WRONLY
	default:
		flags |= unix.O_RDWR
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, "", errors.Wrapf(err, "open %s", path)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, "", errors.Wrapf(err, "stat %s", path)
	}

	f := &file{fd: fd, path: path}
	name := path

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		f.block = true
		rdev := uint64(st.Rdev)
		name = fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev))
	case unix.S_IFREG:
	default:
		unix.Close(fd)
		return nil, "", errors.Wrapf(unix.ENOTBLK, "%s", path)
	}

	return f, name, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	read := 0
	for read < len(p) {
		n, err := unix.Pread(f.fd, p[read:], off+int64(read))
		if err != nil {
			return read, errors.Wrapf(err, "read %s", f.path)
		}
		if n == 0 {
			return read, io.EOF
		}
		read += n
	}

	return read, nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Pwrite(f.fd, p[written:], off+int64(written))
		if err != nil {
			return written, errors.Wrapf(err, "write %s", f.path)
		}
		written += n
	}

	return written, nil
}

func (f *file) Size() (int64, error) {
	if f.block {
		var size uint64
		if err := f.ioctl(blkGetSize64, unsafe.Pointer(&size)); err != nil {
			return 0, errors.Wrapf(err, "BLKGETSIZE64 %s", f.path)
		}
		return int64(size), nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, errors.Wrapf(err, "stat %s", f.path)
	}

	return st.Size, nil
}

func (f *file) Sync() error {
	return errors.Wrapf(unix.Fdatasync(f.fd), "sync %s", f.path)
}

func (f *file) Discard(off, length int64, secure bool) error {
	if f.block {
		req := uintptr(blkDiscard)
		if secure {
			req = blkSecDiscard
		}
		rng := [2]uint64{uint64(off), uint64(length)}
		return errors.Wrapf(f.ioctl(req, unsafe.Pointer(&rng)), "discard %s", f.path)
	}

	err := unix.Fallocate(f.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)

	return errors.Wrapf(err, "punch hole %s", f.path)
}

func (f *file) WriteZeroes(off, length int64) error {
	if f.block {
		rng := [2]uint64{uint64(off), uint64(length)}
		return errors.Wrapf(f.ioctl(blkZeroOut, unsafe.Pointer(&rng)), "zero out %s", f.path)
	}

	err := unix.Fallocate(f.fd, unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, off, length)

	return errors.Wrapf(err, "zero range %s", f.path)
}

func (f *file) Close() error {
	return errors.Wrapf(unix.Close(f.fd), "close %s", f.path)
}

func (f *file) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

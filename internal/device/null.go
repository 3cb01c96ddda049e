// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"io"
)

// Null device does nothing but correctly. Reads return zeros and writes are
// acknowledged and forgotten. Useful for measuring the overhead of the
// remapping layer itself.
type null struct {
	size int64
}

func NewNull(size int64) *null {
	return &null{size: size}
}

func (n *null) ReadAt(p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, io.EOF
	}

	var err error
	if off+int64(len(p)) > n.size {
		p = p[:n.size-off]
		err = io.EOF
	}

	for i := range p {
		p[i] = 0
	}

	return len(p), err
}

func (n *null) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > n.size {
		return 0, errBeyondEnd
	}

	return len(p), nil
}

func (n *null) Size() (int64, error) {
	return n.size, nil
}

func (n *null) Sync() error {
	return nil
}

func (n *null) Discard(off, length int64, secure bool) error {
	return nil
}

func (n *null) WriteZeroes(off, length int64) error {
	return nil
}

func (n *null) Close() error {
	return nil
}

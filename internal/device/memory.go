// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"io"
	"sync"
)

// Memory is a ram disk. Contents are lost with the last reference.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemory(size int64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Bytes returns the backing memory of the disk.
func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errBeyondEnd
	}

	return copy(m.data[off:], p), nil
}

func (m *Memory) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *Memory) Sync() error {
	return nil
}

func (m *Memory) Discard(off, length int64, secure bool) error {
	return m.WriteZeroes(off, length)
}

func (m *Memory) WriteZeroes(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+length > int64(len(m.data)) {
		return errBeyondEnd
	}

	zero := m.data[off : off+length]
	for i := range zero {
		zero[i] = 0
	}

	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3dev emulates a block device on top of an object store. The
// device is cut into chunks of fixed size and every chunk is stored as one
// object keyed by its index. Chunks which were never written do not exist
// and read as zeros.
package s3dev

import (
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/asch/bsmap/internal/device/objproxy"
)

const (
	// Number of locks chunks are striped over.
	chunkLocks = 64

	defaultChunkSize   = 4 << 20
	defaultCacheChunks = 16
)

var errBeyondEnd = errors.New("access beyond end of device")

type Options struct {
	// Size of the device in bytes.
	Size int64

	// Size of one chunk object in bytes.
	ChunkSize int64

	// Number of chunks kept in memory.
	CacheChunks int
}

// Device implements dm.BlockDevice. Writes are read-modify-write of whole
// chunks, so concurrent requests to the same chunk are serialized.
type Device struct {
	proxy     *objproxy.ObjectProxy
	size      int64
	chunkSize int64

	cache *lru.Cache
	locks [chunkLocks]sync.Mutex
}

// Returns device storing its chunks through proxy. The device owns the proxy
// and closes it on Close.
func New(proxy *objproxy.ObjectProxy, o Options) (*Device, error) {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.CacheChunks <= 0 {
		o.CacheChunks = defaultCacheChunks
	}
	if o.Size <= 0 {
		return nil, errors.Errorf("invalid device size %d", o.Size)
	}

	cache, err := lru.New(o.CacheChunks)
	if err != nil {
		return nil, errors.Wrap(err, "chunk cache")
	}

	return &Device{
		proxy:     proxy,
		size:      o.Size,
		chunkSize: o.ChunkSize,
		cache:     cache,
	}, nil
}

func (d *Device) lock(idx int64) *sync.Mutex {
	return &d.locks[idx%chunkLocks]
}

// Returns content of chunk idx. Must be called with the chunk lock held. The
// returned slice is shared with the cache.
func (d *Device) chunk(idx int64) ([]byte, error) {
	if v, ok := d.cache.Get(idx); ok {
		return v.([]byte), nil
	}

	buf := make([]byte, d.chunkSize)
	err := d.proxy.Download(idx, buf, 0, true)
	if err != nil && !errors.Is(err, objproxy.ErrNotFound) {
		return nil, err
	}
	d.cache.Add(idx, buf)

	return buf, nil
}

// Calls fn with the chunk lock held for every chunk the range touches.
// chunkOff and n select the part of the chunk, done is the number of bytes of
// the range before it.
func (d *Device) forEachChunk(off, length int64, fn func(idx, chunkOff, n, done int64) error) error {
	var done int64
	for done < length {
		idx := (off + done) / d.chunkSize
		chunkOff := (off + done) % d.chunkSize
		n := d.chunkSize - chunkOff
		if n > length-done {
			n = length - done
		}

		l := d.lock(idx)
		l.Lock()
		err := fn(idx, chunkOff, n, done)
		l.Unlock()

		if err != nil {
			return err
		}
		done += n
	}

	return nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, io.EOF
	}

	var eof error
	if off+int64(len(p)) > d.size {
		p = p[:d.size-off]
		eof = io.EOF
	}

	err := d.forEachChunk(off, int64(len(p)), func(idx, chunkOff, n, done int64) error {
		c, err := d.chunk(idx)
		if err != nil {
			return err
		}
		copy(p[done:done+n], c[chunkOff:])
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(p), eof
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, errBeyondEnd
	}

	err := d.forEachChunk(off, int64(len(p)), func(idx, chunkOff, n, done int64) error {
		c, err := d.chunk(idx)
		if err != nil {
			return err
		}
		copy(c[chunkOff:chunkOff+n], p[done:done+n])

		return d.upload(idx, c)
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Uploads chunk. The cached copy is dropped when the upload fails because it
// no longer matches the backend.
func (d *Device) upload(idx int64, c []byte) error {
	err := d.proxy.Upload(idx, c, true)
	if err != nil {
		d.cache.Remove(idx)
	}

	return err
}

func (d *Device) Size() (int64, error) {
	return d.size, nil
}

// Uploads are synchronous, there is nothing to flush.
func (d *Device) Sync() error {
	return nil
}

// Chunks covered completely are deleted, partially covered ones are zeroed.
// Deleted chunks cannot be read back, so discard is secure as well.
func (d *Device) Discard(off, length int64, secure bool) error {
	return d.WriteZeroes(off, length)
}

func (d *Device) WriteZeroes(off, length int64) error {
	if off < 0 || off+length > d.size {
		return errBeyondEnd
	}

	return d.forEachChunk(off, length, func(idx, chunkOff, n, done int64) error {
		if n == d.chunkSize {
			d.cache.Remove(idx)
			err := d.proxy.Delete(idx)
			if errors.Is(err, objproxy.ErrNotFound) {
				err = nil
			}
			return err
		}

		c, err := d.chunk(idx)
		if err != nil {
			return err
		}
		zero := c[chunkOff : chunkOff+n]
		for i := range zero {
			zero[i] = 0
		}

		return d.upload(idx, c)
	})
}

func (d *Device) Close() error {
	d.proxy.Close()
	d.cache.Purge()

	return nil
}

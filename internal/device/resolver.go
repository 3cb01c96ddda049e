// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device resolves device paths from table lines to block devices.
// Besides block device nodes and regular files it knows a null device, a ram
// disk and devices emulated on top of S3 objects.
//
// Recognized paths:
//
//	null[:<sectors>]        null device
//	mem:<sectors>           ram disk
//	s3://<bucket>/<prefix>  S3 chunk device
//	<major>:<minor>         block device node /dev/block/<major>:<minor>
//	anything else           block device node or regular file
package device

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/asch/bsmap/internal/device/objproxy"
	"github.com/asch/bsmap/internal/device/objproxy/s3"
	"github.com/asch/bsmap/internal/device/s3dev"
	"github.com/asch/bsmap/internal/dm"
)

const (
	nullPrefix = "null"
	memPrefix  = "mem:"
	s3Scheme   = "s3"

	// Block device nodes by device number.
	devBlockDir = "/dev/block/"
)

var (
	devNumberRe = regexp.MustCompile(`^[0-9]+:[0-9]+$`)

	errBeyondEnd = errors.New("access beyond end of device")
)

// S3Options configure devices opened from s3:// paths.
type S3Options struct {
	Remote      string
	Region      string
	AccessKey   string
	SecretKey   string
	Uploaders   int
	Downloaders int

	// Size of the emulated device and of one chunk object in bytes.
	Size      int64
	ChunkSize int64

	// Number of chunks cached in memory.
	CacheChunks int
}

type Options struct {
	// Size of the null device when the path does not specify it. In
	// sectors.
	NullSectors uint64

	S3 S3Options
}

// Resolver implements dm.Resolver.
type Resolver struct {
	o Options
}

func NewResolver(o Options) *Resolver {
	return &Resolver{o: o}
}

func (r *Resolver) Open(path string, mode dm.Mode) (dm.BlockDevice, string, error) {
	switch {
	case path == nullPrefix || strings.HasPrefix(path, nullPrefix+":"):
		sectors := r.o.NullSectors
		if path != nullPrefix {
			s, err := parseSectors(path[len(nullPrefix)+1:])
			if err != nil {
				return nil, "", err
			}
			sectors = s
		}
		return NewNull(int64(sectors << dm.SectorShift)), fmt.Sprintf("%s:%d", nullPrefix, sectors), nil

	case strings.HasPrefix(path, memPrefix):
		sectors, err := parseSectors(path[len(memPrefix):])
		if err != nil {
			return nil, "", err
		}
		return NewMemory(int64(sectors << dm.SectorShift)), path, nil

	case strings.HasPrefix(path, s3Scheme+"://"):
		bdev, err := r.openS3(path)
		return bdev, path, err

	case devNumberRe.MatchString(path):
		return openFile(devBlockDir+path, mode)
	}

	return openFile(path, mode)
}

func parseSectors(s string) (uint64, error) {
	sectors, err := strconv.ParseUint(s, 10, 64)
	if err != nil || sectors > 1<<(63-dm.SectorShift) {
		return 0, errors.Wrapf(unix.EINVAL, "invalid number of sectors %q", s)
	}

	return sectors, nil
}

func (r *Resolver) openS3(path string) (dm.BlockDevice, error) {
	u, err := url.Parse(path)
	if err != nil || u.Host == "" {
		return nil, errors.Wrapf(unix.EINVAL, "invalid s3 device %q", path)
	}

	o := r.o.S3
	store, err := s3.New(s3.Options{
		Remote:    o.Remote,
		Region:    o.Region,
		Bucket:    u.Host,
		Prefix:    strings.Trim(u.Path, "/"),
		AccessKey: o.AccessKey,
		SecretKey: o.SecretKey,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "s3 device %s", path)
	}

	proxy := objproxy.New(store, o.Uploaders, o.Downloaders)

	dev, err := s3dev.New(proxy, s3dev.Options{
		Size:        o.Size,
		ChunkSize:   o.ChunkSize,
		CacheChunks: o.CacheChunks,
	})
	if err != nil {
		proxy.Close()
		return nil, errors.Wrapf(err, "s3 device %s", path)
	}

	return dev, nil
}

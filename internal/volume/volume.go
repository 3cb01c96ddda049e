// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package volume implements BuseReadWriter on top of a dm table. Every read
// and write coming from the kernel is turned into requests, split at target
// boundaries, mapped by the targets and submitted to the devices they chose.
package volume

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/bsmap/internal/dm"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WRITE_ITEM_SIZE = 32
)

type Options struct {
	// Logical block size of the device in bytes.
	BlockSize int

	// Size of the write chunk in bytes. The first part of the chunk holds
	// metadata of one write per block.
	WriteChunkSize int

	// Flush devices after every batch of writes.
	Durable bool

	UUID uuid.UUID
}

// Volume implements BuseReadWriter interface which can be passed to the buse
// package.
type Volume struct {
	table *dm.Table
	uuid  uuid.UUID

	blockSize int
	durable   bool

	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	write_item_size int

	// Size of the chunk portion which contains all writes metadata. After
	// this metadata_size offset real data are stored.
	metadata_size int
}

// One write in the metadata section of the write chunk. Sector and length
// are in 512 byte sectors.
type extent struct {
	Sector uint64
	Length uint64
	SeqNo  uint64
	Flag   uint64
}

// Returns volume serving requests through table. The table has to be
// complete.
func New(table *dm.Table, o Options) *Volume {
	return &Volume{
		table:           table,
		uuid:            o.UUID,
		blockSize:       o.BlockSize,
		durable:         o.Durable,
		metadata_size:   o.WriteChunkSize / o.BlockSize * WRITE_ITEM_SIZE,
		write_item_size: WRITE_ITEM_SIZE,
	}
}

func (v *Volume) UUID() uuid.UUID {
	return v.uuid
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadata_size and the rest are data of all writes in the same order.
func (v *Volume) BuseWrite(writes int64, chunk []byte) error {
	metadata := chunk[:v.metadata_size]
	data := chunk[v.metadata_size:]

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:v.write_item_size])
		metadata = metadata[v.write_item_size:]

		size := e.Length << dm.SectorShift
		segs := dm.Segments(data[:size], v.blockSize)
		data = data[size:]

		r, err := dm.NewRequest(dm.OpWrite, e.Sector, e.Length, segs)
		if err != nil {
			return err
		}

		if err := v.Submit(r); err != nil {
			log.Info().Err(err).Uint64("sector", e.Sector).Uint64("length", e.Length).Send()
			return err
		}
	}

	if v.durable {
		return v.Flush()
	}

	return nil
}

// Read extent starting at sector with length length to the buffer chunk. Both
// are in blocks.
func (v *Volume) BuseRead(sector, length int64, chunk []byte) error {
	blockSectors := uint64(v.blockSize >> dm.SectorShift)
	size := length * int64(v.blockSize)

	r, err := dm.NewRequest(dm.OpRead, uint64(sector)*blockSectors, uint64(length)*blockSectors,
		dm.Segments(chunk[:size], v.blockSize))
	if err != nil {
		return err
	}

	err = v.Submit(r)
	if err != nil {
		log.Info().Err(err).Int64("block", sector).Int64("length", length).Send()
	}

	return err
}

// Flush sends flush to every target accepting it.
func (v *Volume) Flush() error {
	r, err := dm.NewRequest(dm.OpFlush, 0, 0, nil)
	if err != nil {
		return err
	}

	return v.Submit(r)
}

// Discard sectors starting at sector.
func (v *Volume) Discard(sector, sectors uint64) error {
	r, err := dm.NewRequest(dm.OpDiscard, sector, sectors, nil)
	if err != nil {
		return err
	}

	return v.Submit(r)
}

// Submit splits r at target boundaries, maps the parts and submits the
// remapped ones to their devices.
func (v *Volume) Submit(r *dm.Request) error {
	parts, err := v.table.Split(r)
	if err != nil {
		return err
	}

	for _, p := range parts {
		d, err := v.table.Map(p)
		if err != nil {
			return err
		}

		if d == dm.DispositionSubmitted {
			continue
		}

		if p.Dev == nil {
			return errors.Errorf("%s at %d remapped without a device", p.Op, p.Sector)
		}
		if err := p.Dev.Submit(p); err != nil {
			return err
		}
	}

	return nil
}

// Before buse starts serving requests we report the table and whether
// ioctls can be passed to the underlying device.
func (v *Volume) BusePreRun() {
	dev, passthrough := v.table.PrepareIoctl()

	l := log.Info().
		Str("uuid", v.uuid.String()).
		Uint64("sectors", v.table.Len()).
		Bool("ioctl_passthrough", passthrough)
	if dev != nil {
		l = l.Str("device", dev.Name())
	}
	l.Msg("Volume ready")

	for _, ti := range v.table.Targets() {
		log.Debug().Str("target", ti.Type.Name).Str("ima", ti.Mapper.Status(ti, dm.StatusIMA)).Send()
	}
}

// After disconnecting from the kernel module all targets are destroyed and
// devices released.
func (v *Volume) BusePostRemove() {
	if err := v.table.Close(); err != nil {
		log.Info().Err(err).Send()
	}
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk.
func parseExtent(b []byte) extent {
	return extent{
		Sector: binary.LittleEndian.Uint64(b[:8]),
		Length: binary.LittleEndian.Uint64(b[8:16]),
		SeqNo:  binary.LittleEndian.Uint64(b[16:24]),
		Flag:   binary.LittleEndian.Uint64(b[24:32]),
	}
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/asch/bsmap/internal/dm"
)

// remapContext is what both targets keep per instance: the device requests
// go to and the sector of the device the target begins at. It is never
// modified after construction, so Map needs no locking.
type remapContext struct {
	dev   *dm.Dev
	start uint64
}

// Construct a mapping from args "<dev_path> <offset>". The device is opened
// with the mode of the table.
func newRemapContext(ti *dm.Target, args []string) (*remapContext, error) {
	if len(args) != 2 {
		return nil, ti.Fail("Invalid argument count", unix.EINVAL, dm.ErrArgumentCount, nil)
	}

	// ParseUint rejects trailing garbage as well as anything which does not
	// fit into the sector width.
	start, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return nil, ti.Fail("Invalid device sector", unix.EINVAL, dm.ErrInvalidOffset, err)
	}

	dev, err := ti.GetDevice(args[0], ti.Mode())
	if err != nil {
		return nil, ti.Fail("Device lookup failed", dm.Errno(err, unix.ENODEV), dm.ErrDeviceLookup, err)
	}

	return &remapContext{dev: dev, start: start}, nil
}

func (c *remapContext) mapSector(ti *dm.Target, sector uint64) uint64 {
	return c.start + ti.Offset(sector)
}

// Requests without sectors, like an empty flush, keep their sector.
func (c *remapContext) remap(ti *dm.Target, r *dm.Request) {
	r.Dev = c.dev
	if r.HasSectorCount() || r.Op.IsZoneManagement() {
		r.Sector = c.mapSector(ti, r.Sector)
	}
}

func (c *remapContext) Status(ti *dm.Target, typ dm.StatusType) string {
	switch typ {
	case dm.StatusInfo:
		return ""
	case dm.StatusTable:
		return fmt.Sprintf("%s %d", c.dev.Name(), c.start)
	case dm.StatusIMA:
		return fmt.Sprintf("%s,device_name=%s,start=%d;", ti.NameVersion(), c.dev.Name(), c.start)
	}

	return ""
}

// Only pass ioctls through if the device sizes match exactly.
func (c *remapContext) PrepareIoctl(ti *dm.Target) (*dm.Dev, bool) {
	if c.start != 0 {
		return c.dev, false
	}

	sectors, err := c.dev.Sectors()
	if err != nil || sectors != ti.Len {
		return c.dev, false
	}

	return c.dev, true
}

func (c *remapContext) IterateDevices(ti *dm.Target, fn dm.IterateFunc) error {
	return fn(ti, c.dev, c.start, ti.Len)
}

func (c *remapContext) Close(ti *dm.Target) {
	ti.PutDevice(c.dev)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/asch/bsmap/internal/device"
	"github.com/asch/bsmap/internal/dm"
)

// Resolves names to ram disks created by the test.
type testResolver struct {
	disks  map[string]*device.Memory
	opens  int
	closes int
}

type testHandle struct {
	*device.Memory
	r *testResolver
}

func (h testHandle) Close() error {
	h.r.closes++
	return nil
}

func newTestResolver() *testResolver {
	return &testResolver{disks: make(map[string]*device.Memory)}
}

func (r *testResolver) add(name string, sectors int64) *device.Memory {
	m := device.NewMemory(sectors << dm.SectorShift)
	r.disks[name] = m
	return m
}

func (r *testResolver) Open(path string, mode dm.Mode) (dm.BlockDevice, string, error) {
	m, ok := r.disks[path]
	if !ok {
		return nil, "", errors.Wrap(unix.ENXIO, path)
	}
	r.opens++
	return testHandle{m, r}, path, nil
}

func newRegistry(t *testing.T) *dm.Registry {
	reg := dm.NewRegistry()
	require.NoError(t, Startup(reg))
	return reg
}

func newTable(t *testing.T, res dm.Resolver) *dm.Table {
	return dm.NewTable(dm.ModeReadWrite, newRegistry(t), res, 512)
}

func TestStartupShutdown(t *testing.T) {
	reg := dm.NewRegistry()
	require.NoError(t, Startup(reg))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "hello", list[0].Name)
	assert.Equal(t, "linear", list[1].Name)

	assert.True(t, errors.Is(Startup(reg), dm.ErrTargetExists))
	assert.Len(t, reg.List(), 2)

	Shutdown(reg)
	assert.Empty(t, reg.List())

	// Partial registration is rolled back.
	reg = dm.NewRegistry()
	require.NoError(t, reg.Register(&dm.TargetType{Name: "hello"}))
	assert.Error(t, Startup(reg))
	_, err := reg.Get("linear")
	assert.True(t, errors.Is(err, dm.ErrUnknownTarget))
}

func TestFeatures(t *testing.T) {
	assert.True(t, LinearType.Features.Has(dm.FeaturePassesCrypto|dm.FeaturePassesIntegrity|dm.FeatureNoWait))
	assert.True(t, HelloType.Features.Has(dm.FeaturePassesCrypto))
	assert.False(t, HelloType.Features.Has(dm.FeaturePassesIntegrity))
	assert.False(t, HelloType.Features.Has(dm.FeatureNoWait))
}

func TestConstructErrors(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 64)

	tcs := []struct {
		args   string
		kind   error
		reason string
		errno  unix.Errno
	}{
		{"dev", dm.ErrArgumentCount, "Invalid argument count", unix.EINVAL},
		{"dev 1 2", dm.ErrArgumentCount, "Invalid argument count", unix.EINVAL},
		{"dev 18446744073709551616", dm.ErrInvalidOffset, "Invalid device sector", unix.EINVAL},
		{"dev 12x", dm.ErrInvalidOffset, "Invalid device sector", unix.EINVAL},
		{"dev -1", dm.ErrInvalidOffset, "Invalid device sector", unix.EINVAL},
		{"nodev 0", dm.ErrDeviceLookup, "Device lookup failed", unix.ENXIO},
	}

	for _, typ := range []string{"linear", "hello"} {
		for _, tc := range tcs {
			table := newTable(t, res)

			err := table.AddTarget(0, 8, typ, tc.args)
			require.Error(t, err, tc.args)
			assert.True(t, errors.Is(err, tc.kind), tc.args)

			var cerr *dm.ConstructError
			require.True(t, errors.As(err, &cerr), tc.args)
			assert.Equal(t, tc.reason, cerr.Reason, tc.args)
			assert.Equal(t, tc.errno, cerr.Errno, tc.args)

			assert.Empty(t, table.Targets())
			assert.Equal(t, 0, table.DeviceRefs())
		}
	}

	assert.Equal(t, 0, res.opens)
}

func TestConstructFlags(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 64)
	table := newTable(t, res)

	require.NoError(t, table.Load("0 8 linear dev 0\n8 8 hello dev 8"))
	require.NoError(t, table.Complete())
	defer table.Close()

	linear, hello := table.Targets()[0], table.Targets()[1]

	for _, n := range []uint{linear.NumFlushRequests, linear.NumDiscardRequests,
		linear.NumSecureEraseRequests, linear.NumWriteSameRequests, linear.NumWriteZeroesRequests} {
		assert.Equal(t, uint(1), n)
	}

	assert.Equal(t, uint(1), hello.NumFlushRequests)
	assert.Equal(t, uint(1), hello.NumDiscardRequests)
	assert.Equal(t, uint(0), hello.NumSecureEraseRequests)
	assert.Equal(t, uint(0), hello.NumWriteSameRequests)
	assert.Equal(t, uint(0), hello.NumWriteZeroesRequests)
}

func TestStatusRoundTrip(t *testing.T) {
	for _, typ := range []string{"linear", "hello"} {
		for _, start := range []uint64{0, 1, 2048, 1<<64 - 1} {
			res := newTestResolver()
			res.add("/dev/sdb", 64)

			table := newTable(t, res)
			require.NoError(t, table.AddTarget(0, 8, typ, fmt.Sprintf("/dev/sdb %d", start)))

			ti := table.Targets()[0]
			params := ti.Mapper.Status(ti, dm.StatusTable)
			assert.Equal(t, fmt.Sprintf("/dev/sdb %d", start), params)
			assert.Equal(t, "", ti.Mapper.Status(ti, dm.StatusInfo))
			assert.Equal(t,
				fmt.Sprintf("target_name=%s,target_version=0.0.1,device_name=/dev/sdb,start=%d;", typ, start),
				ti.Mapper.Status(ti, dm.StatusIMA))

			again := newTable(t, res)
			require.NoError(t, again.AddTarget(0, 8, typ, params))
			ta := again.Targets()[0]
			assert.Equal(t, params, ta.Mapper.Status(ta, dm.StatusTable))

			require.NoError(t, table.Close())
			require.NoError(t, again.Close())
		}
	}
}

func TestLinearMap(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 4096)
	table := newTable(t, res)
	require.NoError(t, table.Load("0 100 linear dev 0\n100 1000 linear dev 2000"))
	defer table.Close()

	ti := table.Targets()[1]

	for _, sector := range []uint64{100, 101, 517, 1099} {
		r := &dm.Request{Op: dm.OpRead, Sector: sector, Sectors: 1}
		assert.Equal(t, dm.DispositionRemapped, ti.Mapper.Map(ti, r))
		assert.Equal(t, "dev", r.Dev.Name())
		assert.Equal(t, 2000+sector-100, r.Sector)
	}

	// Mapping is a translation, spacing between requests is kept.
	r1 := &dm.Request{Op: dm.OpWrite, Sector: 150, Sectors: 1}
	r2 := &dm.Request{Op: dm.OpWrite, Sector: 170, Sectors: 1}
	ti.Mapper.Map(ti, r1)
	ti.Mapper.Map(ti, r2)
	assert.Equal(t, uint64(20), r2.Sector-r1.Sector)

	// Empty flush keeps its sector, zone management is remapped.
	flush := &dm.Request{Op: dm.OpFlush, Sector: 100}
	ti.Mapper.Map(ti, flush)
	assert.Equal(t, uint64(100), flush.Sector)
	assert.NotNil(t, flush.Dev)

	zone := &dm.Request{Op: dm.OpZoneReset, Sector: 200}
	ti.Mapper.Map(ti, zone)
	assert.Equal(t, uint64(2100), zone.Sector)
}

func TestPrepareIoctl(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 64)

	tcs := []struct {
		length uint64
		start  string
		ok     bool
	}{
		{64, "0", true},
		{56, "0", false},
		{56, "8", false},
		{8, "56", false},
	}

	for _, typ := range []string{"linear", "hello"} {
		for _, tc := range tcs {
			table := newTable(t, res)
			require.NoError(t, table.AddTarget(0, tc.length, typ, "dev "+tc.start))
			require.NoError(t, table.Complete())

			ti := table.Targets()[0]
			dev, ok := ti.Mapper.PrepareIoctl(ti)
			assert.Equal(t, tc.ok, ok, "%s %d %s", typ, tc.length, tc.start)
			assert.Equal(t, "dev", dev.Name())

			require.NoError(t, table.Close())
		}
	}
}

func TestIterateDevices(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 64)
	table := newTable(t, res)
	require.NoError(t, table.AddTarget(0, 16, "linear", "dev 24"))
	defer table.Close()

	ti := table.Targets()[0]
	calls := 0
	sentinel := errors.New("stop")

	err := ti.Mapper.IterateDevices(ti, func(got *dm.Target, dev *dm.Dev, start, length uint64) error {
		calls++
		assert.Same(t, ti, got)
		assert.Equal(t, "dev", dev.Name())
		assert.Equal(t, uint64(24), start)
		assert.Equal(t, uint64(16), length)
		return sentinel
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, sentinel, err)
}

func writeRequest(t *testing.T, sector uint64, segs int) (*dm.Request, []byte) {
	payload := make([]byte, segs*4096)
	for i := range payload {
		payload[i] = byte(i%251) + 1
	}
	orig := append([]byte(nil), payload...)

	r, err := dm.NewRequest(dm.OpWrite, sector, uint64(segs*4096)>>dm.SectorShift, dm.Segments(payload, 4096))
	require.NoError(t, err)

	return r, orig
}

func segmentBytes(s dm.Segment) []byte {
	var b []byte
	s.Map(func(buf []byte) { b = append(b, buf...) })
	return b
}

func TestHelloMapInjectsMarker(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 1024)
	table := newTable(t, res)
	require.NoError(t, table.AddTarget(0, 512, "hello", "dev 16"))
	defer table.Close()

	ti := table.Targets()[0]
	r, orig := writeRequest(t, 40, 3)

	assert.Equal(t, dm.DispositionRemapped, ti.Mapper.Map(ti, r))
	assert.Equal(t, uint64(56), r.Sector)
	assert.Equal(t, "dev", r.Dev.Name())

	seg0 := segmentBytes(r.Segments[0])
	assert.Equal(t, []byte("Hello!\n\x00"), seg0[:8])
	assert.Equal(t, orig[8:4096], seg0[8:])
	assert.Equal(t, orig[4096:8192], segmentBytes(r.Segments[1]))
	assert.Equal(t, orig[8192:], segmentBytes(r.Segments[2]))

	for _, s := range r.Segments {
		assert.Equal(t, 0, s.Page.Mapped())
	}
}

func TestHelloMapZeroPage(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 1024)
	table := newTable(t, res)
	require.NoError(t, table.AddTarget(0, 512, "hello", "dev 16"))
	defer table.Close()

	ti := table.Targets()[0]

	r, err := dm.NewRequest(dm.OpWrite, 8, 8, []dm.Segment{{Page: dm.ZeroPage(), Len: dm.PageSize}})
	require.NoError(t, err)

	assert.Equal(t, dm.DispositionRemapped, ti.Mapper.Map(ti, r))
	assert.Equal(t, uint64(24), r.Sector)
	assert.Equal(t, "dev", r.Dev.Name())
	assert.Equal(t, make([]byte, dm.PageSize), segmentBytes(r.Segments[0]))
	assert.Equal(t, 0, dm.ZeroPage().Mapped())
}

func TestHelloMapWithoutData(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 1024)
	table := newTable(t, res)
	require.NoError(t, table.AddTarget(0, 512, "hello", "dev 16"))
	defer table.Close()

	ti := table.Targets()[0]

	flush := &dm.Request{Op: dm.OpFlush}
	assert.Equal(t, dm.DispositionRemapped, ti.Mapper.Map(ti, flush))
	assert.Equal(t, uint64(0), flush.Sector)

	discard := &dm.Request{Op: dm.OpDiscard, Sector: 10, Sectors: 4}
	assert.Equal(t, dm.DispositionRemapped, ti.Mapper.Map(ti, discard))
	assert.Equal(t, uint64(26), discard.Sector)
}

func TestHelloMarkerOnShortSegment(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 1024)
	table := newTable(t, res)
	require.NoError(t, table.AddTarget(0, 512, "hello", "dev 0"))
	defer table.Close()

	ti := table.Targets()[0]

	buf := bytes.Repeat([]byte{0xff}, dm.SectorSize)
	segs := []dm.Segment{
		{Page: dm.NewPage(buf), Offset: 0, Len: 4},
		{Page: dm.NewPage(buf), Offset: 4, Len: dm.SectorSize - 4},
	}
	r, err := dm.NewRequest(dm.OpRead, 0, 1, segs)
	require.NoError(t, err)

	ti.Mapper.Map(ti, r)
	assert.Equal(t, []byte("Hell"), buf[:4])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, dm.SectorSize-4), buf[4:])
}

func TestDestructReleasesDevice(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 64)

	for _, typ := range []string{"linear", "hello"} {
		res.closes = 0
		table := newTable(t, res)
		require.NoError(t, table.AddTarget(0, 8, typ, "dev 0"))
		assert.Equal(t, 1, table.DeviceRefs())

		require.NoError(t, table.Close())
		assert.Equal(t, 0, table.DeviceRefs())
		assert.Equal(t, 1, res.closes)
	}
}

func TestMapConcurrent(t *testing.T) {
	res := newTestResolver()
	res.add("dev", 1<<16)
	table := newTable(t, res)
	require.NoError(t, table.AddTarget(0, 1<<15, "linear", "dev 4096"))
	defer table.Close()

	ti := table.Targets()[0]
	done := make(chan bool)

	for g := 0; g < 8; g++ {
		go func(g int) {
			ok := true
			for i := 0; i < 1000; i++ {
				sector := uint64(g*1000 + i)
				r := &dm.Request{Op: dm.OpRead, Sector: sector, Sectors: 1}
				ti.Mapper.Map(ti, r)
				ok = ok && r.Sector == sector+4096
			}
			done <- ok
		}(g)
	}

	for g := 0; g < 8; g++ {
		assert.True(t, <-done)
	}
}

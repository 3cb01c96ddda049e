// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Table maps the sectors of a volume to targets. Targets are added in order
// and have to cover the volume from sector 0 without gaps. After Complete the
// table is immutable and Map can be called concurrently.
type Table struct {
	mode     Mode
	registry *Registry
	resolver Resolver

	// Logical block size of the volume in sectors. Target boundaries have
	// to be aligned to it.
	blockSectors uint64

	targets []*Target

	// Devices opened by targets, by canonical name and mode.
	devLock sync.Mutex
	devices map[string]*openDevice
}

// TableLine is one parsed line of the textual table.
type TableLine struct {
	Begin  uint64
	Len    uint64
	Type   string
	Params string
}

// Returns new empty table. blockSize is the logical block size of the volume
// in bytes.
func NewTable(mode Mode, registry *Registry, resolver Resolver, blockSize int) *Table {
	blockSectors := uint64(blockSize) >> SectorShift
	if blockSectors == 0 {
		blockSectors = 1
	}

	return &Table{
		mode:         mode,
		registry:     registry,
		resolver:     resolver,
		blockSectors: blockSectors,
		devices:      make(map[string]*openDevice),
	}
}

func (t *Table) Mode() Mode {
	return t.mode
}

// Len returns the length of the volume in sectors.
func (t *Table) Len() uint64 {
	if len(t.targets) == 0 {
		return 0
	}

	return t.targets[len(t.targets)-1].End()
}

func (t *Table) Targets() []*Target {
	return t.targets
}

// AddTarget constructs target of type typeName covering length sectors from
// begin. params are split into arguments by SplitArgs.
func (t *Table) AddTarget(begin, length uint64, typeName, params string) error {
	if length == 0 {
		return errors.Wrapf(ErrTableSyntax, "zero length target at %d", begin)
	}
	if begin != t.Len() {
		return errors.Wrapf(ErrTableGap, "target at %d, expected %d", begin, t.Len())
	}

	typ, err := t.registry.Get(typeName)
	if err != nil {
		return err
	}

	ti := &Target{Type: typ, Table: t, Begin: begin, Len: length}
	m, err := typ.New(ti, SplitArgs(params))
	if err != nil {
		log.Error().Str("target", typeName).Str("reason", ti.Error).Err(err).Msg("Target constructor failed")
		return errors.Wrapf(err, "%s target at %d", typeName, begin)
	}
	if m == nil {
		err = ti.Fail("Cannot allocate context", unix.ENOMEM, ErrAllocation, nil)
		log.Error().Str("target", typeName).Str("reason", ti.Error).Err(err).Msg("Target constructor failed")
		return errors.Wrapf(err, "%s target at %d", typeName, begin)
	}

	ti.Mapper = m
	t.targets = append(t.targets, ti)

	return nil
}

// Load parses text and adds all its lines as targets.
func (t *Table) Load(text string) error {
	lines, err := ParseTable(text)
	if err != nil {
		return err
	}

	for _, l := range lines {
		if err := t.AddTarget(l.Begin, l.Len, l.Type, l.Params); err != nil {
			return err
		}
	}

	return nil
}

// Complete validates the table. All device areas used by targets have to fit
// into their devices and target boundaries have to be aligned to the logical
// block size.
func (t *Table) Complete() error {
	if len(t.targets) == 0 {
		return ErrEmptyTable
	}

	for _, ti := range t.targets {
		if ti.Begin%t.blockSectors != 0 || ti.Len%t.blockSectors != 0 {
			return errors.Wrapf(ErrMisalignedTarget, "%s target %d+%d", ti.Type.Name, ti.Begin, ti.Len)
		}

		err := ti.Mapper.IterateDevices(ti, deviceAreaIsValid)
		if err != nil {
			return err
		}
	}

	return nil
}

func deviceAreaIsValid(ti *Target, dev *Dev, start, length uint64) error {
	sectors, err := dev.Sectors()
	if err != nil {
		return err
	}

	if start+length < start || start+length > sectors {
		return errors.Wrapf(ErrDeviceTooSmall, "%s has %d sectors, %s target needs %d+%d",
			dev.Name(), sectors, ti.Type.Name, start, length)
	}

	return nil
}

// Features returns features supported by all targets of the table.
func (t *Table) Features() Feature {
	if len(t.targets) == 0 {
		return 0
	}

	f := ^Feature(0)
	for _, ti := range t.targets {
		f &= ti.Type.Features
	}

	return f
}

// Supports reports whether every target accepts requests of kind op.
func (t *Table) Supports(op Op) bool {
	for _, ti := range t.targets {
		if !ti.supports(op) {
			return false
		}
	}

	return len(t.targets) > 0
}

// Returns target covering sector or nil.
func (t *Table) FindTarget(sector uint64) *Target {
	i := sort.Search(len(t.targets), func(i int) bool {
		return t.targets[i].End() > sector
	})
	if i == len(t.targets) {
		return nil
	}

	return t.targets[i]
}

// Map passes r to the target covering it. The request must not cross a
// target boundary, Split takes care of that.
func (t *Table) Map(r *Request) (Disposition, error) {
	ti := t.FindTarget(r.Sector)
	if ti == nil {
		return 0, errors.Wrapf(ErrOutOfRange, "%s at %d", r.Op, r.Sector)
	}
	if r.Sector+r.Sectors > ti.End() {
		return 0, errors.Wrapf(ErrCrossesBoundary, "%s of %d sectors at %d", r.Op, r.Sectors, r.Sector)
	}
	if r.Op.IsWrite() && t.mode&ModeWrite == 0 {
		return 0, errors.Wrapf(ErrReadOnly, "%s at %d", r.Op, r.Sector)
	}
	if !ti.supports(r.Op) {
		return 0, errors.Wrapf(ErrNotSupported, "%s by %s target", r.Op, ti.Type.Name)
	}

	return ti.Mapper.Map(ti, r), nil
}

// Split cuts r at target boundaries. Flush is cloned for every target which
// accepts flushes. A request inside a single target is returned as is.
func (t *Table) Split(r *Request) ([]*Request, error) {
	if r.Op == OpFlush && !r.HasSectorCount() {
		reqs := make([]*Request, 0, len(t.targets))
		for _, ti := range t.targets {
			for i := uint(0); i < ti.NumFlushRequests; i++ {
				reqs = append(reqs, &Request{Op: OpFlush, Sector: ti.Begin})
			}
		}
		return reqs, nil
	}

	ti := t.FindTarget(r.Sector)
	if ti == nil {
		return nil, errors.Wrapf(ErrOutOfRange, "%s at %d", r.Op, r.Sector)
	}
	if r.Sector+r.Sectors <= ti.End() {
		return []*Request{r}, nil
	}

	var reqs []*Request
	sector, remaining, segs := r.Sector, r.Sectors, r.Segments
	for remaining > 0 {
		ti := t.FindTarget(sector)
		if ti == nil {
			return nil, errors.Wrapf(ErrOutOfRange, "%s at %d", r.Op, sector)
		}

		n := ti.End() - sector
		if n > remaining {
			n = remaining
		}

		part := &Request{Op: r.Op, Sector: sector, Sectors: n}
		switch {
		case r.Op == OpWriteSame:
			part.Segments = r.Segments
		case r.Op.HasData():
			part.Segments, segs = splitSegments(segs, n<<SectorShift)
		}

		reqs = append(reqs, part)
		sector += n
		remaining -= n
	}

	return reqs, nil
}

// Status renders the table, one line per target.
func (t *Table) Status(typ StatusType) string {
	var b strings.Builder

	for i, ti := range t.targets {
		s := ti.Mapper.Status(ti, typ)

		if typ == StatusIMA {
			fmt.Fprintf(&b, "target_index=%d,target_begin=%d,target_len=%d,%s", i, ti.Begin, ti.Len, s)
			continue
		}

		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d %d %s", ti.Begin, ti.Len, ti.Type.Name)
		if s != "" {
			b.WriteByte(' ')
			b.WriteString(s)
		}
	}

	return b.String()
}

// PrepareIoctl returns the device ioctls can be passed to. It is only
// possible for tables with a single target which allows it.
func (t *Table) PrepareIoctl() (*Dev, bool) {
	if len(t.targets) != 1 {
		return nil, false
	}

	ti := t.targets[0]

	return ti.Mapper.PrepareIoctl(ti)
}

// Close destroys all targets. All devices have to be released by their
// targets, otherwise an error is returned and the leaked devices are closed.
func (t *Table) Close() error {
	for _, ti := range t.targets {
		ti.Mapper.Close(ti)
	}
	t.targets = nil

	t.devLock.Lock()
	defer t.devLock.Unlock()

	var err error
	for key, od := range t.devices {
		err = errors.Errorf("device %s leaked with %d references", od.name, od.refs)
		od.bdev.Close()
		delete(t.devices, key)
	}

	return err
}

// GetDevice opens path with mode. Opening the same device twice shares the
// underlying handle, but every call returns a new reference.
func (t *Table) GetDevice(path string, mode Mode) (*Dev, error) {
	bdev, name, err := t.resolver.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	t.devLock.Lock()
	defer t.devLock.Unlock()

	key := name + "/" + mode.String()
	od, ok := t.devices[key]
	if ok {
		bdev.Close()
	} else {
		od = &openDevice{name: name, mode: mode, bdev: bdev}
		t.devices[key] = od
	}
	od.refs++

	return &Dev{od: od}, nil
}

// PutDevice releases the reference. The underlying device is closed with its
// last reference.
func (t *Table) PutDevice(d *Dev) {
	if !d.release() {
		panic("dm: device " + d.Name() + " released twice")
	}

	t.devLock.Lock()
	defer t.devLock.Unlock()

	od := d.od
	od.refs--
	if od.refs > 0 {
		return
	}

	delete(t.devices, od.name+"/"+od.mode.String())
	if err := od.bdev.Close(); err != nil {
		log.Info().Err(err).Str("device", od.name).Msg("Closing device failed")
	}
}

// Returns number of references held on all devices of the table.
func (t *Table) DeviceRefs() int {
	t.devLock.Lock()
	defer t.devLock.Unlock()

	refs := 0
	for _, od := range t.devices {
		refs += od.refs
	}

	return refs
}

// ParseTable parses lines "<begin> <len> <type> <params...>". Empty lines
// and lines starting with # are skipped.
func ParseTable(text string) ([]TableLine, error) {
	var lines []TableLine

	s := bufio.NewScanner(strings.NewReader(text))
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, errors.Wrapf(ErrTableSyntax, "line %d: %q", n, line)
		}

		begin, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrTableSyntax, "line %d: begin %q", n, fields[0])
		}
		length, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrTableSyntax, "line %d: length %q", n, fields[1])
		}

		// Params keep their original spacing and escapes.
		params := line
		for i := 0; i < 3; i++ {
			params = strings.TrimLeftFunc(params, unicode.IsSpace)
			params = params[len(fields[i]):]
		}

		lines = append(lines, TableLine{
			Begin:  begin,
			Len:    length,
			Type:   fields[2],
			Params: strings.TrimSpace(params),
		})
	}

	return lines, s.Err()
}

// SplitArgs splits params on whitespace. Backslash escapes the following
// character, so "a\ b" is one argument.
func SplitArgs(params string) []string {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		escaped bool
	)

	for _, c := range params {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\':
			escaped = true
			inArg = true
		case unicode.IsSpace(c):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(c)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}

	return args
}

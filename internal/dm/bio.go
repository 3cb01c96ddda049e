// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	// Sector is always 512 bytes, no matter what the logical block size of
	// the volume is.
	SectorShift = 9
	SectorSize  = 1 << SectorShift

	// Size of the shared zero page.
	PageSize = 4096
)

// Op is the kind of a request. The set is closed, targets decide what to do
// with a request by membership tests on the kind.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpSecureErase
	OpWriteSame
	OpWriteZeroes
	OpZoneOpen
	OpZoneClose
	OpZoneFinish
	OpZoneAppend
	OpZoneReset
	OpZoneResetAll
)

var opNames = [...]string{
	OpRead:         "read",
	OpWrite:        "write",
	OpFlush:        "flush",
	OpDiscard:      "discard",
	OpSecureErase:  "secure-erase",
	OpWriteSame:    "write-same",
	OpWriteZeroes:  "write-zeroes",
	OpZoneOpen:     "zone-open",
	OpZoneClose:    "zone-close",
	OpZoneFinish:   "zone-finish",
	OpZoneAppend:   "zone-append",
	OpZoneReset:    "zone-reset",
	OpZoneResetAll: "zone-reset-all",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// IsZoneManagement reports whether the op manages zones rather than data.
// Zone append writes data and is not a management op.
func (o Op) IsZoneManagement() bool {
	switch o {
	case OpZoneOpen, OpZoneClose, OpZoneFinish, OpZoneReset, OpZoneResetAll:
		return true
	}
	return false
}

// HasData reports whether requests of this kind carry payload segments.
func (o Op) HasData() bool {
	switch o {
	case OpRead, OpWrite, OpWriteSame, OpZoneAppend:
		return true
	}
	return false
}

// IsWrite reports whether the op modifies the content of the device.
func (o Op) IsWrite() bool {
	switch o {
	case OpWrite, OpDiscard, OpSecureErase, OpWriteSame, OpWriteZeroes, OpZoneAppend:
		return true
	}
	return false
}

// Page is a piece of memory holding request payload. Pages count their live
// mappings, so a leaked mapping is observable.
type Page struct {
	data []byte
	maps int32
}

var zeroPage = &Page{data: make([]byte, PageSize)}

func NewPage(data []byte) *Page {
	return &Page{data: data}
}

// ZeroPage returns the shared all-zero page. It is compared by identity only
// and must never be mapped for writing.
func ZeroPage() *Page {
	return zeroPage
}

func (p *Page) Len() int {
	return len(p.data)
}

// Returns number of mappings currently held on the page.
func (p *Page) Mapped() int {
	return int(atomic.LoadInt32(&p.maps))
}

// Segment is a contiguous part of a page carrying payload.
type Segment struct {
	Page   *Page
	Offset int
	Len    int
}

// Map gives fn a mutable view of the segment bytes. The view is valid only
// inside fn, the mapping is released when fn returns or panics. The zero
// page is never exposed, fn gets a private zeroed copy instead and whatever
// it writes is dropped.
func (s Segment) Map(fn func(buf []byte)) {
	atomic.AddInt32(&s.Page.maps, 1)
	defer atomic.AddInt32(&s.Page.maps, -1)

	if s.Page == zeroPage {
		fn(make([]byte, s.Len))
		return
	}

	end := s.Offset + s.Len
	fn(s.Page.data[s.Offset:end:end])
}

// Segments cuts buf into segments of at most size bytes, each backed by its
// own page. No data is copied.
func Segments(buf []byte, size int) []Segment {
	segs := make([]Segment, 0, (len(buf)+size-1)/size)
	for off := 0; off < len(buf); off += size {
		end := off + size
		if end > len(buf) {
			end = len(buf)
		}
		segs = append(segs, Segment{Page: NewPage(buf[off:end:end]), Len: end - off})
	}

	return segs
}

// Request is one block I/O request. Sector is relative to the volume until a
// target remaps it, then it is relative to Dev.
type Request struct {
	Op       Op
	Sector   uint64
	Sectors  uint64
	Segments []Segment

	// Device the request is sent to. Set by the target.
	Dev *Dev
}

// NewRequest checks that the payload matches the length of the request.
// Write same carries one segment which is replicated over the whole range.
func NewRequest(op Op, sector, sectors uint64, segs []Segment) (*Request, error) {
	r := &Request{Op: op, Sector: sector, Sectors: sectors, Segments: segs}

	switch {
	case op == OpWriteSame:
		if len(segs) != 1 || segs[0].Len == 0 || uint64(segs[0].Len) > sectors<<SectorShift {
			return nil, errors.Wrapf(ErrMisalignedPayload, "%s needs exactly one segment", op)
		}
	case op.HasData():
		if r.Bytes() != sectors<<SectorShift {
			return nil, errors.Wrapf(ErrMisalignedPayload, "%s of %d sectors carries %d bytes", op, sectors, r.Bytes())
		}
		if op == OpRead && r.readsIntoZeroPage() {
			return nil, errors.Wrapf(ErrZeroPageRead, "%s at %d", op, sector)
		}
	case len(segs) != 0:
		return nil, errors.Wrapf(ErrMisalignedPayload, "%s cannot carry payload", op)
	}

	return r, nil
}

func (r *Request) readsIntoZeroPage() bool {
	for _, s := range r.Segments {
		if s.Page == zeroPage {
			return true
		}
	}

	return false
}

func (r *Request) HasSectorCount() bool {
	return r.Sectors > 0
}

// Returns total length of the payload segments in bytes.
func (r *Request) Bytes() uint64 {
	var n uint64
	for _, s := range r.Segments {
		n += uint64(s.Len)
	}

	return n
}

// Cuts the first n bytes off segs. A segment crossing the cut is split into
// two segments of the same page.
func splitSegments(segs []Segment, n uint64) (head, tail []Segment) {
	for i, s := range segs {
		if n == 0 {
			return segs[:i:i], segs[i:]
		}
		if uint64(s.Len) > n {
			first := Segment{Page: s.Page, Offset: s.Offset, Len: int(n)}
			rest := Segment{Page: s.Page, Offset: s.Offset + int(n), Len: s.Len - int(n)}

			head = append(segs[:i:i], first)
			tail = append([]Segment{rest}, segs[i+1:]...)
			return head, tail
		}
		n -= uint64(s.Len)
	}

	return segs, nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"github.com/asch/bsmap/internal/dm"
)

// HelloType works as linear, but overwrites the beginning of the first
// payload segment of every read and write with helloMarker.
var HelloType = &dm.TargetType{
	Name:     "hello",
	Version:  [3]uint32{0, 0, 1},
	Features: dm.FeaturePassesCrypto,
	New:      newHello,
}

// Marker including its terminating zero byte.
var helloMarker = []byte("Hello!\n\x00")

type hello struct {
	*remapContext
}

func newHello(ti *dm.Target, args []string) (dm.Mapper, error) {
	c, err := newRemapContext(ti, args)
	if err != nil {
		return nil, err
	}

	ti.NumFlushRequests = 1
	ti.NumDiscardRequests = 1

	return &hello{c}, nil
}

// Only the first segment is touched. When it lives in the zero page the
// payload is left alone and the request is still remapped.
func (h *hello) Map(ti *dm.Target, r *dm.Request) dm.Disposition {
	if len(r.Segments) > 0 {
		stamp(r.Segments[0])
	}
	h.remap(ti, r)

	return dm.DispositionRemapped
}

func stamp(s dm.Segment) {
	if s.Page == dm.ZeroPage() {
		return
	}

	s.Map(func(buf []byte) {
		copy(buf, helloMarker)
	})
}

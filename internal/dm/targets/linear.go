// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"github.com/asch/bsmap/internal/dm"
)

// LinearType maps a linear range of a device.
var LinearType = &dm.TargetType{
	Name:     "linear",
	Version:  [3]uint32{0, 0, 1},
	Features: dm.FeaturePassesIntegrity | dm.FeatureNoWait | dm.FeaturePassesCrypto,
	New:      newLinear,
}

type linear struct {
	*remapContext
}

func newLinear(ti *dm.Target, args []string) (dm.Mapper, error) {
	c, err := newRemapContext(ti, args)
	if err != nil {
		return nil, err
	}

	ti.NumFlushRequests = 1
	ti.NumDiscardRequests = 1
	ti.NumSecureEraseRequests = 1
	ti.NumWriteSameRequests = 1
	ti.NumWriteZeroesRequests = 1

	return &linear{c}, nil
}

func (l *linear) Map(ti *dm.Target, r *dm.Request) dm.Disposition {
	l.remap(ti, r)

	return dm.DispositionRemapped
}

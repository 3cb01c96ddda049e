// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build !linux
// +build !linux

package device

import (
	"github.com/pkg/errors"

	"github.com/asch/bsmap/internal/dm"
)

func openFile(path string, mode dm.Mode) (dm.BlockDevice, string, error) {
	return nil, "", errors.Errorf("open %s: block devices are supported on linux only", path)
}

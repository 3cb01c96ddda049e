// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package targets implements the linear and hello target types. Both map a
// range of the volume onto one device starting at a fixed sector. The hello
// target additionally stamps a marker over the beginning of every payload
// before remapping it.
//
// Table line parameters of both types are "<device path> <start sector>".
package targets

import (
	"github.com/asch/bsmap/internal/dm"
)

// Startup registers all target types into registry. Either all types are
// registered or none.
func Startup(registry *dm.Registry) error {
	for i, t := range types() {
		if err := registry.Register(t); err != nil {
			for _, r := range types()[:i] {
				registry.Unregister(r.Name)
			}
			return err
		}
	}

	return nil
}

// Shutdown removes types registered by Startup.
func Shutdown(registry *dm.Registry) {
	for _, t := range types() {
		registry.Unregister(t.Name)
	}
}

func types() []*dm.TargetType {
	return []*dm.TargetType{LinearType, HelloType}
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dm is the host side of the remapping layer. It defines block I/O
// requests, references to underlying devices, the contract every target type
// implements and the table which binds targets to ranges of the volume.
//
// A table line is "<begin> <len> <type> <params...>". The table constructs
// the target of every line, routes each request to the target covering its
// sector and, once the target returns DispositionRemapped, the request is
// submitted to the device the target chose.
//
// Target types are registered in an explicit Registry which is created by
// the caller, never by this package.
package dm

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bsmap is a userspace daemon using BUSE for creating a block device whose
// requests are remapped onto other devices by a table of targets, the same
// way device mapper does it in the kernel. Targets are pluggable, the daemon
// ships the linear target and the hello target which additionally stamps a
// marker into every payload.
//
// Project structure is following:
//
// - internal/dm contains requests, device references, the target type
// contract, the registry of target types and the table.
//
// - internal/dm/targets contains the linear and hello target types.
//
// - internal/device resolves device paths from table lines. Besides block
// devices and files it provides null and ram disk devices and devices
// emulated on S3 objects.
//
// - internal/volume glues the table to the buse library.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/bsmap/internal/config"
	"github.com/asch/bsmap/internal/device"
	"github.com/asch/bsmap/internal/dm"
	"github.com/asch/bsmap/internal/dm/targets"
	"github.com/asch/bsmap/internal/volume"
	"github.com/asch/buse/lib/go/buse"
)

// Parse configuration from file and environment variables, registers target
// types, loads the table and creates new buse device serving it. The device
// is ran until it is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	registry := dm.NewRegistry()
	if err := targets.Startup(registry); err != nil {
		log.Panic().Err(err).Send()
	}
	defer targets.Shutdown(registry)

	if config.Cfg.ListTargets {
		listTargets(registry)
		return
	}

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	table, err := loadTable(registry)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	volumeUUID, err := getUUID(config.Cfg.UUID)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	vol := volume.New(table, volume.Options{
		BlockSize:      config.Cfg.BlockSize,
		WriteChunkSize: config.Cfg.Write.ChunkSize,
		Durable:        config.Cfg.Write.Durable,
		UUID:           volumeUUID,
	})

	buse, err := buse.New(vol, buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        int(config.Cfg.Threads),
		Major:          int64(config.Cfg.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           int64(table.Len() << dm.SectorShift),
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})

	if err != nil {
		table.Close()
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered!", config.Cfg.Major)

	registerSigHandlers(buse)

	buse.Run()

	log.Info().Msgf("Removing buse%d", config.Cfg.Major)
	buse.RemoveDevice()
}

// Builds the table from the configuration. Without an explicit table one
// target of the configured type covers the whole device.
func loadTable(registry *dm.Registry) (*dm.Table, error) {
	mode := dm.ModeReadWrite
	if config.Cfg.ReadOnly {
		mode = dm.ModeRead
	}

	sectors := uint64(config.Cfg.Size) >> dm.SectorShift

	resolver := device.NewResolver(device.Options{
		NullSectors: sectors,
		S3: device.S3Options{
			Remote:      config.Cfg.S3.Remote,
			Region:      config.Cfg.S3.Region,
			AccessKey:   config.Cfg.S3.AccessKey,
			SecretKey:   config.Cfg.S3.SecretKey,
			Uploaders:   config.Cfg.S3.Uploaders,
			Downloaders: config.Cfg.S3.Downloaders,
			Size:        config.Cfg.S3.Size,
			ChunkSize:   config.Cfg.S3.ChunkSize,
			CacheChunks: config.Cfg.S3.CacheChunks,
		},
	})

	text := config.Cfg.Table
	if text == "" {
		text = fmt.Sprintf("0 %d %s %s", sectors, config.Cfg.Target.Type, config.Cfg.Target.Args)
	}

	table := dm.NewTable(mode, registry, resolver, config.Cfg.BlockSize)

	err := table.Load(text)
	if err == nil {
		err = table.Complete()
	}

	if err != nil {
		table.Close()
		return nil, err
	}

	log.Info().Msgf("Table loaded:\n%s", table.Status(dm.StatusTable))

	return table, nil
}

func getUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}

	return uuid.Parse(s)
}

func listTargets(registry *dm.Registry) {
	for _, t := range registry.List() {
		fmt.Printf("%-16s v%s\n", t.Name, t.VersionString())
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Major)
		buse.StopDevice()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

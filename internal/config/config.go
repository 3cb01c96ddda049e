// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/bsmap/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath  string
	ListTargets bool

	Major      int    `toml:"major" env:"BSMAP_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int    `toml:"threads" env:"BSMAP_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	Size       int64  `toml:"size" env:"BSMAP_SIZE" env-default:"8" env-description:"Device size in GB."`
	BlockSize  int    `toml:"block_size" env:"BSMAP_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool   `toml:"scheduler" env:"BSMAP_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int    `toml:"queue_depth" env:"BSMAP_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
	ReadOnly   bool   `toml:"read_only" env:"BSMAP_READONLY" env-default:"false" env-description:"Open the table and its devices read-only."`
	UUID       string `toml:"uuid" env:"BSMAP_UUID" env-default:"" env-description:"Volume UUID. Random when empty."`

	Table string `toml:"table" env:"BSMAP_TABLE" env-default:"" env-description:"Complete table, one '<begin> <len> <type> <params>' line per target. Overrides target section."`

	Target struct {
		Type string `toml:"type" env:"BSMAP_TARGET_TYPE" env-default:"linear" env-description:"Target type covering the whole device when no table is given."`
		Args string `toml:"args" env:"BSMAP_TARGET_ARGS" env-default:"null 0" env-description:"Target arguments, '<device path> <start sector>'."`
	} `toml:"target"`

	S3 struct {
		Remote      string `toml:"remote" env:"BSMAP_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"BSMAP_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"BSMAP_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"BSMAP_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"BSMAP_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"BSMAP_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
		Size        int64  `toml:"size" env:"BSMAP_S3_SIZE" env-description:"Size of s3:// devices in GB." env-default:"8"`
		ChunkSize   int64  `toml:"chunk_size" env:"BSMAP_S3_CHUNKSIZE" env-description:"Size of one chunk object of s3:// devices in MB." env-default:"4"`
		CacheChunks int    `toml:"cache_chunks" env:"BSMAP_S3_CACHECHUNKS" env-description:"Number of chunks cached in memory per s3:// device." env-default:"64"`
	} `toml:"s3"`

	Write struct {
		Durable       bool `toml:"durable" env:"BSMAP_WRITE_DURABLE" env-description:"Flush semantics. True means flush devices after every batch of writes." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"BSMAP_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"BSMAP_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"BSMAP_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"BSMAP_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Log struct {
		Level  int  `toml:"level" env:"BSMAP_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"BSMAP_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"BSMAP_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"BSMAP_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return postprocess(&Cfg)
}

// Converts sizes to bytes and checks values the rest of the program relies
// on.
func postprocess(c *Config) error {
	c.Size *= 1024 * 1024 * 1024
	c.Write.BufSize *= 1024 * 1024
	c.Write.ChunkSize *= 1024 * 1024
	c.Write.CollisionSize *= 1024 * 1024
	c.Read.BufSize *= 1024 * 1024
	c.S3.Size *= 1024 * 1024 * 1024
	c.S3.ChunkSize *= 1024 * 1024

	if c.BlockSize != 512 {
		c.BlockSize = 4096
	}

	if c.Size <= 0 {
		return errors.Errorf("invalid device size %d", c.Size)
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("bsmap", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.BoolVar(&Cfg.ListTargets, "targets", false, "List registered target types and exit")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/asch/glblk/internal/glfs"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/glblk/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Backend    string `toml:"backend" env:"GLBLK_BACKEND" env-default:"s3" env-description:"Client library backend, s3 or null. Null acknowledges everything and stores nothing."`
	Workers    int    `toml:"workers" env:"GLBLK_WORKERS" env-default:"16" env-description:"Number of client library workers serving asynchronous operations."`
	QueueDepth int    `toml:"queue_depth" env:"GLBLK_QUEUEDEPTH" env-default:"128" env-description:"Operations the client library queues before refusing new ones."`

	Log struct {
		Level       int  `toml:"level" env:"GLBLK_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty      bool `toml:"pretty" env:"GLBLK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
		ClientLevel int  `toml:"client_level" env:"GLBLK_LOG_CLIENTLEVEL" env-description:"Client library log level from 0 (none) to 9 (trace)." env-default:"4"`
	} `toml:"log"`

	Open struct {
		ReadOnly bool `toml:"read_only" env:"GLBLK_OPEN_READONLY" env-description:"Open images read only." env-default:"false"`
		Direct   bool `toml:"direct" env:"GLBLK_OPEN_DIRECT" env-description:"Bypass client side caches." env-default:"false"`
	} `toml:"open"`

	Create struct {
		Preallocation string `toml:"preallocation" env:"GLBLK_CREATE_PREALLOCATION" env-description:"Preallocation of new images, off or full." env-default:"off"`
	} `toml:"create"`

	Features struct {
		// Defaults of booleans apply whenever the value is false, so the
		// switches are negative.
		DisableDiscard  bool `toml:"disable_discard" env:"GLBLK_FEATURES_DISABLEDISCARD" env-description:"Refuse discard even when the volume supports it." env-default:"false"`
		DisableZerofill bool `toml:"disable_zerofill" env:"GLBLK_FEATURES_DISABLEZEROFILL" env-description:"Refuse zero-fill even when the volume supports it." env-default:"false"`
	} `toml:"features"`

	Null struct {
		Size      string `toml:"size" env:"GLBLK_NULL_SIZE" env-description:"Size of every image of the null backend." env-default:"8GiB"`
		SizeBytes int64
	} `toml:"null"`

	S3 struct {
		Region         string `toml:"region" env:"GLBLK_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey      string `toml:"access_key" env:"GLBLK_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey      string `toml:"secret_key" env:"GLBLK_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Secure         bool   `toml:"secure" env:"GLBLK_S3_SECURE" env-description:"Use https for tcp endpoints." env-default:"false"`
		CreateBucket   bool   `toml:"create_bucket" env:"GLBLK_S3_CREATEBUCKET" env-description:"Create the bucket of a missing volume." env-default:"false"`
		ChunkSize      string `toml:"chunk_size" env:"GLBLK_S3_CHUNKSIZE" env-description:"Chunk size of newly created images." env-default:"1MiB"`
		ChunkSizeBytes int64
	} `toml:"s3"`

	Metrics struct {
		Enabled bool `toml:"enabled" env:"GLBLK_METRICS_ENABLED" env-description:"Serve prometheus metrics and the golang web profiler." env-default:"false"`
		Port    int  `toml:"port" env:"GLBLK_METRICS_PORT" env-description:"Port to listen on." env-default:"6060"`
	} `toml:"metrics"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them. The arguments left after the flags are returned.
func Configure(args []string) ([]string, error) {
	rest := flagSetup(args)
	err := parse()

	return rest, err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	size, err := humanize.ParseBytes(Cfg.Null.Size)
	if err != nil {
		return fmt.Errorf("null size: %w", err)
	}
	Cfg.Null.SizeBytes = int64(size)

	chunk, err := humanize.ParseBytes(Cfg.S3.ChunkSize)
	if err != nil {
		return fmt.Errorf("s3 chunk size: %w", err)
	}
	if chunk == 0 {
		return fmt.Errorf("s3 chunk size must not be zero")
	}
	Cfg.S3.ChunkSizeBytes = int64(chunk)

	if Cfg.Log.ClientLevel < int(glfs.LogNone) || Cfg.Log.ClientLevel > int(glfs.LogTrace) {
		return fmt.Errorf("client log level %d out of range", Cfg.Log.ClientLevel)
	}

	return nil
}

// Disabled returns the optional operations turned off by configuration.
func (c *Config) Disabled() glfs.Features {
	var f glfs.Features

	if c.Features.DisableDiscard {
		f |= glfs.FeatureDiscard
	}
	if c.Features.DisableZerofill {
		f |= glfs.FeatureZerofill
	}

	return f
}

// Handle program flags.
func flagSetup(args []string) []string {
	f := flag.NewFlagSet("glblk", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(args)

	return f.Args()
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// glblk exposes files stored on distributed storage volumes as block
// devices. The command line tool creates images and performs block
// operations on them through the same code path a block layer would use.
//
// Project structure is following:
//
// - internal/gluster parses volume descriptors, manages sessions and turns
// asynchronous client operations into blocking block device calls.
//
// - internal/aio contains the scheduler loop and coroutines the blocking calls
// are built on.
//
// - internal/glfs describes the client library. Its subpackages implement it
// on top of an object store (objstore), in memory (memfs) and as a backend
// which does nothing but correctly (null).
//
// - internal/config and internal/metrics contain the configuration and the
// prometheus metrics shared by everything above.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/glblk/internal/aio"
	"github.com/asch/glblk/internal/config"
	"github.com/asch/glblk/internal/glfs"
	"github.com/asch/glblk/internal/glfs/null"
	"github.com/asch/glblk/internal/glfs/objstore"
	"github.com/asch/glblk/internal/glfs/objstore/s3"
	"github.com/asch/glblk/internal/gluster"
	"github.com/asch/glblk/internal/metrics"
)

// Parse configuration from file and environment variables, start the
// scheduler loop and run the requested command on it. The command is
// interrupted by SIGINT or SIGTERM.
func main() {
	args, err := config.Configure(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	m, err := metrics.New()
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	loop := aio.NewLoop(log.Logger)
	env := gluster.Environment{
		Connector:      getConnector(config.Cfg.Backend),
		Scheduler:      loop,
		Disabled:       config.Cfg.Disabled(),
		ClientLogLevel: glfs.LogLevel(config.Cfg.Log.ClientLevel),
		Log:            &log.Logger,
		Metrics:        m,
	}

	var g run.Group

	// Interrupts run in order. The command has to finish while the loop
	// still resumes its operations.
	{
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		g.Add(func() error {
			defer close(done)
			return runCommand(ctx, env, commandOptions(), args, os.Stdin, os.Stdout)
		}, func(error) {
			cancel()
			<-done
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return loop.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if config.Cfg.Metrics.Enabled {
		srv := metricsServer(config.Cfg.Metrics.Port, m)
		g.Add(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics")
			return srv.ListenAndServe()
		}, func(error) {
			srv.Shutdown(context.Background())
		})
	}

	if err := g.Run(); err != nil {
		log.Error().Err(err).Msg(args[0] + " failed")
		os.Exit(1)
	}
}

// Returns null connector if user wants it, otherwise the object store
// connector, which is default.
func getConnector(backend string) glfs.Connector {
	switch backend {
	case "null":
		return null.NewConnector(config.Cfg.Null.SizeBytes)
	case "s3":
		dialer := s3.Dialer(s3.Options{
			Region:       config.Cfg.S3.Region,
			AccessKey:    config.Cfg.S3.AccessKey,
			SecretKey:    config.Cfg.S3.SecretKey,
			Secure:       config.Cfg.S3.Secure,
			CreateBucket: config.Cfg.S3.CreateBucket,
		})

		return objstore.NewConnector(dialer, objstore.Options{
			ChunkSize:  config.Cfg.S3.ChunkSizeBytes,
			Workers:    config.Cfg.Workers,
			QueueDepth: config.Cfg.QueueDepth,
		})
	}

	log.Fatal().Str("backend", backend).Msg("unknown backend")
	return nil
}

func commandOptions() options {
	return options{
		open: gluster.OpenOptions{
			ReadOnly: config.Cfg.Open.ReadOnly,
			Direct:   config.Cfg.Open.Direct,
		},
		preallocation: gluster.Preallocation(config.Cfg.Create.Preallocation),
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Metrics next to the golang web profiler. Useful for perfomance debugging.
func metricsServer(port int, m *metrics.Metrics) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: r,
	}
}

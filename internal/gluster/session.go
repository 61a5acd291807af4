// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/asch/glblk/internal/glfs"
)

// session is an initialized client bound to one volume, optionally with
// the image open. It is owned by exactly one Volume or one Create call.
type session struct {
	id   string
	desc *Descriptor
	fs   glfs.Client
	fd   glfs.File
	log  zerolog.Logger
	env  *Environment
}

// establish connects to the volume named by d. Every failure is reported
// as a *ConnectionError and leaves nothing behind.
func establish(env *Environment, d *Descriptor) (s *session, err error) {
	fs, err := env.Connector.New(d.Volume)
	if err != nil {
		return nil, connectionError(d, err)
	}

	defer func() {
		if err != nil {
			fs.Fini()
		}
	}()

	if err = fs.SetVolfileServer(d.Transport.String(), d.Locator(), d.Port); err != nil {
		return nil, connectionError(d, err)
	}

	if err = fs.SetLogging("-", env.clientLogLevel()); err != nil {
		return nil, connectionError(d, err)
	}

	if err = fs.Init(); err != nil {
		return nil, connectionError(d, err)
	}

	id := uuid.New().String()
	log := env.logger().With().
		Str("session", id).
		Str("volume", d.Volume).
		Str("image", d.Image).
		Logger()

	log.Debug().Str("server", d.Locator()).Int("port", d.Port).Str("transport", d.Transport.String()).Msg("session established")
	env.Metrics.SessionOpened()

	return &session{id: id, desc: d, fs: fs, log: log, env: env}, nil
}

// open opens the image. On failure the session is terminated.
func (s *session) open(flags int) error {
	fd, err := s.fs.Open(s.desc.Image, flags)
	if err != nil {
		s.terminate()
		return connectionError(s.desc, err)
	}

	s.fd = fd
	return nil
}

// features the client supports minus the ones disabled by configuration.
func (s *session) features() glfs.Features {
	return s.fs.Features() &^ s.env.Disabled
}

// terminate closes the image, if open, and tears the client down. It is
// safe to call more than once.
func (s *session) terminate() error {
	var result *multierror.Error

	if s.fd != nil {
		if err := s.fd.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.fd = nil
	}

	if s.fs != nil {
		if err := s.fs.Fini(); err != nil {
			result = multierror.Append(result, err)
		}
		s.fs = nil
		s.env.Metrics.SessionClosed()
		s.log.Debug().Msg("session terminated")
	}

	return result.ErrorOrNil()
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package glfs

import (
	"io"
	"io/ioutil"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level converts the library log level to the zerolog one used for
// filtering.
func (l LogLevel) Level() zerolog.Level {
	switch {
	case l <= LogNone:
		return zerolog.Disabled
	case l <= LogCritical:
		return zerolog.FatalLevel
	case l == LogError:
		return zerolog.ErrorLevel
	case l == LogWarning:
		return zerolog.WarnLevel
	case l <= LogInfo:
		return zerolog.InfoLevel
	case l == LogDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// NewLogger returns the logger a client uses after SetLogging. path "-" or
// "" logs next to the process log, anything else is a file opened for
// appending. The returned closer must be closed in Fini.
func NewLogger(path string, level LogLevel) (zerolog.Logger, io.Closer, error) {
	if path == "" || path == "-" {
		return log.Logger.Level(level.Level()), ioutil.NopCloser(nil), nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	return zerolog.New(f).Level(level.Level()).With().Timestamp().Logger(), f, nil
}

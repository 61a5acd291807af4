// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memfs

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/asch/glblk/internal/glfs"
)

// client implements glfs.Client for one volume of a Server.
type client struct {
	srv     *Server
	volname string

	mut       sync.Mutex
	transport string
	host      string
	port      int
	vol       *volume
	files     map[*file]struct{}
	finished  bool
	log       zerolog.Logger
	logCloser io.Closer
}

func (c *client) SetVolfileServer(transport, host string, port int) error {
	switch transport {
	case "tcp", "unix", "rdma":
	default:
		return glfs.EPROTONOSUPPORT
	}
	if host == "" || port < 0 || port > 65535 {
		return glfs.EINVAL
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	c.transport, c.host, c.port = transport, host, port
	return nil
}

func (c *client) SetLogging(path string, level glfs.LogLevel) error {
	l, closer, err := glfs.NewLogger(path, level)
	if err != nil {
		return err
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if c.logCloser != nil {
		c.logCloser.Close()
	}
	c.log = l.With().Str("volume", c.volname).Logger()
	c.logCloser = closer
	return nil
}

func (c *client) Init() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.host == "" {
		return glfs.EINVAL
	}
	if c.vol != nil {
		return glfs.EEXIST
	}

	c.srv.mut.RLock()
	closed := c.srv.closed
	c.srv.mut.RUnlock()
	if closed {
		return glfs.ENOTCONN
	}

	vol := c.srv.volume(c.volname)
	if vol == nil {
		c.log.Error().Str("server", c.host).Msg("volume does not exist")
		return glfs.ENOENT
	}

	c.vol = vol
	c.files = make(map[*file]struct{})
	c.srv.clients.Inc()
	c.log.Debug().Str("transport", c.transport).Str("server", c.host).Int("port", c.port).Msg("connected")

	return nil
}

func (c *client) Open(path string, flags int) (glfs.File, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.vol == nil || c.finished {
		return nil, glfs.ENOTCONN
	}

	ino := c.vol.lookup(path)
	if ino == nil {
		return nil, glfs.ENOENT
	}

	return c.newFile(path, ino, flags), nil
}

func (c *client) Creat(path string, flags int, mode os.FileMode) (glfs.File, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.vol == nil || c.finished {
		return nil, glfs.ENOTCONN
	}

	c.vol.mut.Lock()
	ino, ok := c.vol.files[path]
	if !ok {
		ino = newInode()
		c.vol.files[path] = ino
	}
	c.vol.mut.Unlock()

	if ok && flags&glfs.OTrunc != 0 {
		ino.truncate(0)
	}

	return c.newFile(path, ino, flags), nil
}

func (c *client) Features() glfs.Features {
	return c.srv.opts.Features
}

func (c *client) Fini() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.finished {
		return nil
	}
	c.finished = true

	for f := range c.files {
		f.closed.Store(true)
	}
	c.files = nil

	if c.vol != nil {
		c.srv.clients.Dec()
		c.log.Debug().Msg("disconnected")
	}
	if c.logCloser != nil {
		return c.logCloser.Close()
	}
	return nil
}

// newFile must be called with c.mut held.
func (c *client) newFile(path string, ino *inode, flags int) *file {
	f := &file{
		c:      c,
		path:   path,
		ino:    ino,
		access: flags & glfs.OAccMode,
		direct: flags&glfs.ODirect != 0,
	}
	c.files[f] = struct{}{}

	c.log.Debug().Str("path", path).Bool("direct", f.direct).Msg("file opened")
	return f
}

func (c *client) forget(f *file) {
	c.mut.Lock()
	defer c.mut.Unlock()

	delete(c.files, f)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/asch/glblk/internal/glfs"
)

// client implements glfs.Client for one volume.
type client struct {
	dialer Dialer
	opts   Options
	volume string

	mut       sync.Mutex
	transport string
	host      string
	port      int
	store     Store
	proxy     *Proxy
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
	c.log = l.With().Str("volume", c.volume).Logger()
	c.logCloser = closer
	return nil
}

func (c *client) Init() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.host == "" {
		return glfs.EINVAL
	}
	if c.store != nil {
		return glfs.EEXIST
	}

	store, err := c.dialer.Dial(Target{
		Transport: c.transport,
		Host:      c.host,
		Port:      c.port,
		Bucket:    c.volume,
		Log:       c.log,
	})
	if err != nil {
		c.log.Error().Err(err).Str("server", c.host).Msg("cannot reach object store")
		return errno(err)
	}

	c.store = store
	c.proxy = NewProxy(c.opts.Workers, c.opts.QueueDepth)
	c.files = make(map[*file]struct{})
	c.log.Debug().Str("transport", c.transport).Str("server", c.host).Int("port", c.port).Msg("connected")

	return nil
}

func (c *client) connected() bool {
	return c.store != nil && !c.finished
}

func (c *client) Open(path string, flags int) (glfs.File, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if !c.connected() {
		return nil, glfs.ENOTCONN
	}

	h, err := loadHeader(c.store, path)
	if err != nil {
		return nil, errno(err)
	}

	return c.newFile(path, h, flags), nil
}

func (c *client) Creat(path string, flags int, mode os.FileMode) (glfs.File, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if !c.connected() {
		return nil, glfs.ENOTCONN
	}

	h, err := loadHeader(c.store, path)
	switch {
	case errors.Is(err, ErrNotExist):
		h = header{Version: headerVersion, ChunkSize: c.opts.ChunkSize}
	case err != nil:
		return nil, errno(err)
	case flags&glfs.OTrunc != 0:
		if err := c.deleteChunks(path, 0); err != nil {
			return nil, errno(err)
		}
		h.Size = 0
	}

	if err := storeHeader(c.store, path, h); err != nil {
		return nil, errno(err)
	}

	return c.newFile(path, h, flags), nil
}

func (c *client) Features() glfs.Features {
	return c.opts.Features
}

func (c *client) Fini() error {
	c.mut.Lock()
	if c.finished {
		c.mut.Unlock()
		return nil
	}
	c.finished = true
	proxy := c.proxy
	c.mut.Unlock()

	// Queued operations still complete.
	if proxy != nil {
		proxy.Stop()
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	var result *multierror.Error
	for f := range c.files {
		f.closed.Store(true)
	}
	c.files = nil

	if c.store != nil {
		c.log.Debug().Msg("disconnected")
	}
	if c.logCloser != nil {
		if err := c.logCloser.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// deleteChunks removes every chunk of image with index from or higher.
func (c *client) deleteChunks(image string, from int64) error {
	objs, err := c.store.List(image + "/")
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, o := range objs {
		if idx, ok := parseChunkKey(image, o.Key); ok && idx >= from {
			if err := c.store.Delete(o.Key); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

// newFile must be called with c.mut held.
func (c *client) newFile(path string, h header, flags int) *file {
	f := &file{
		c:      c,
		path:   path,
		hdr:    h,
		access: flags & glfs.OAccMode,
	}
	c.files[f] = struct{}{}

	c.log.Debug().Str("path", path).Int64("size", h.Size).Msg("file opened")
	return f
}

func (c *client) forget(f *file) {
	c.mut.Lock()
	defer c.mut.Unlock()

	delete(c.files, f)
}

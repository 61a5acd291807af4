// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore keeps volumes in an object store. A volume is a bucket
// and an image is a header object holding its size plus fixed size chunk
// objects. Chunks which were never written or which were discarded do not
// exist and read as zeroes.
package objstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/asch/glblk/internal/glfs"
)

const (
	headerVersion = 1

	// Format of the chunk part of an object key. The chunk index is split
	// into halves and the lower half goes first, so consecutive chunks
	// land under different prefixes and are not rate limited together.
	chunkFmt = "%08x/%08x"
	chunkLen = 17

	headerName = "header"
)

// ErrNotExist is returned by a Store for a missing object.
var ErrNotExist = errors.New("object does not exist")

// Object is an entry of a listing.
type Object struct {
	Key  string
	Size int64
}

// Store is the bucket of one volume. Anything implementing it can hold
// volumes.
type Store interface {
	// Uploads data in buf under key.
	Upload(key string, buf []byte) error

	// Downloads len(buf) bytes starting at offset of the object key.
	DownloadAt(key string, buf []byte, offset int64) error

	// Deletes the object key. Deleting a missing object is not an error.
	Delete(key string) error

	// Lists objects whose keys start with prefix.
	List(prefix string) ([]Object, error)
}

// Target tells a Dialer where the store of a volume lives.
type Target struct {
	Transport string
	Host      string
	Port      int
	Bucket    string
	Log       zerolog.Logger
}

// Dialer connects to the store of a volume.
type Dialer interface {
	Dial(t Target) (Store, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(t Target) (Store, error)

func (f DialerFunc) Dial(t Target) (Store, error) {
	return f(t)
}

// Options of the client library.
type Options struct {
	// ChunkSize of newly created images. Defaults to 1 MiB.
	ChunkSize int64

	// Workers of the proxy and depth of each of its queues.
	Workers    int
	QueueDepth int

	// Features offered to callers. Defaults to glfs.FeatureAll.
	Features glfs.Features
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.Features == 0 {
		o.Features = glfs.FeatureAll
	}
}

// NewConnector returns a connector creating clients whose volumes live in
// the stores returned by d.
func NewConnector(d Dialer, o Options) glfs.Connector {
	o.setDefaults()

	return glfs.ConnectorFunc(func(volume string) (glfs.Client, error) {
		if volume == "" {
			return nil, glfs.EINVAL
		}
		return &client{dialer: d, opts: o, volume: volume, log: zerolog.Nop()}, nil
	})
}

// header is stored msgpack encoded in the header object of an image.
type header struct {
	Version   int   `msgpack:"version"`
	Size      int64 `msgpack:"size"`
	ChunkSize int64 `msgpack:"chunk_size"`
}

func headerKey(image string) string {
	return image + "/" + headerName
}

func chunkKey(image string, idx int64) string {
	left := (idx >> 32) & 0xffffffff
	right := idx & 0xffffffff

	return image + "/" + fmt.Sprintf(chunkFmt, right, left)
}

// parseChunkKey is the inverse of chunkKey. It reports false for keys of
// other images and for the header.
func parseChunkKey(image, key string) (int64, bool) {
	rest := strings.TrimPrefix(key, image+"/")
	if rest == key || len(rest) != chunkLen {
		return 0, false
	}

	var right, left int64
	if n, err := fmt.Sscanf(rest, chunkFmt, &right, &left); n != 2 || err != nil {
		return 0, false
	}

	return left<<32 + right, true
}

func loadHeader(s Store, image string) (header, error) {
	var h header

	objs, err := s.List(headerKey(image))
	if err != nil {
		return h, err
	}

	var size int64 = -1
	for _, o := range objs {
		if o.Key == headerKey(image) {
			size = o.Size
		}
	}
	if size < 0 {
		return h, ErrNotExist
	}

	buf := make([]byte, size)
	if err := s.DownloadAt(headerKey(image), buf, 0); err != nil {
		return h, err
	}

	if err := msgpack.Unmarshal(buf, &h); err != nil {
		return h, err
	}
	if h.Version != headerVersion || h.ChunkSize <= 0 {
		return h, fmt.Errorf("unsupported image header version %d chunk size %d", h.Version, h.ChunkSize)
	}

	return h, nil
}

func storeHeader(s Store, image string, h header) error {
	buf, err := msgpack.Marshal(&h)
	if err != nil {
		return err
	}
	return s.Upload(headerKey(image), buf)
}

// errno translates store errors for callers of the library.
func errno(err error) glfs.Errno {
	if errors.Is(err, ErrNotExist) {
		return glfs.ENOENT
	}
	return glfs.ToErrno(err)
}

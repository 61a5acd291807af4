// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"os"

	"go.uber.org/atomic"

	"github.com/asch/glblk/internal/glfs"
)

// Null implementation of glfs.Client. Usefull for measuring performance of
// the asynchronous bridge and the scheduler loop without any storage behind
// it. Otherwise useless. Every file opened through it has the same fixed
// size, reads return zeroes and writes are dropped. It can also serve as a
// template for a new client implementation.
type null struct {
	size int64
}

// NewConnector returns a connector whose files report size bytes.
func NewConnector(size int64) glfs.Connector {
	return glfs.ConnectorFunc(func(volume string) (glfs.Client, error) {
		return &null{size: size}, nil
	})
}

func (n *null) SetVolfileServer(transport, host string, port int) error { return nil }
func (n *null) SetLogging(path string, level glfs.LogLevel) error       { return nil }
func (n *null) Init() error                                             { return nil }
func (n *null) Features() glfs.Features                                 { return glfs.FeatureAll }
func (n *null) Fini() error                                             { return nil }

func (n *null) Open(path string, flags int) (glfs.File, error) {
	return &file{size: atomic.NewInt64(n.size)}, nil
}

func (n *null) Creat(path string, flags int, mode os.FileMode) (glfs.File, error) {
	return &file{size: atomic.NewInt64(n.size)}, nil
}

type file struct {
	size *atomic.Int64
}

// Completions are reported from a fresh goroutine so callers still see them
// arrive from outside their own goroutine.
func (f *file) complete(ret int64, cb glfs.Callback, arg interface{}) error {
	go cb(f, ret, arg)
	return nil
}

func (f *file) PreadvAsync(iov [][]byte, offset int64, flags int, cb glfs.Callback, arg interface{}) error {
	for _, b := range iov {
		for i := range b {
			b[i] = 0
		}
	}
	return f.complete(glfs.IovLen(iov), cb, arg)
}

func (f *file) PwritevAsync(iov [][]byte, offset int64, flags int, cb glfs.Callback, arg interface{}) error {
	return f.complete(glfs.IovLen(iov), cb, arg)
}

func (f *file) FsyncAsync(cb glfs.Callback, arg interface{}) error {
	return f.complete(0, cb, arg)
}

func (f *file) DiscardAsync(offset, length int64, cb glfs.Callback, arg interface{}) error {
	return f.complete(0, cb, arg)
}

func (f *file) ZerofillAsync(offset, length int64, cb glfs.Callback, arg interface{}) error {
	return f.complete(0, cb, arg)
}

func (f *file) Zerofill(offset, length int64) error { return nil }

func (f *file) Ftruncate(size int64) error {
	f.size.Store(size)
	return nil
}

func (f *file) Lseek(offset int64, whence int) (int64, error) {
	if whence == glfs.SeekEnd {
		return f.size.Load() + offset, nil
	}
	return offset, nil
}

func (f *file) Fstat() (glfs.Stat, error) {
	return glfs.Stat{Size: f.size.Load(), BlockSize: 512, Mode: 0600}, nil
}

func (f *file) Close() error { return nil }

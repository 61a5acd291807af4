// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memfs

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/asch/glblk/internal/glfs"
)

// file implements glfs.File.
type file struct {
	c      *client
	path   string
	ino    *inode
	access int
	direct bool

	closed atomic.Bool

	posMut sync.Mutex
	pos    int64
}

func (f *file) readable() bool { return f.access == glfs.ORdOnly || f.access == glfs.ORdWr }
func (f *file) writable() bool { return f.access == glfs.OWrOnly || f.access == glfs.ORdWr }

// async validates the descriptor and queues op, whose result is reported
// through cb on a worker.
func (f *file) async(name Op, writable bool, cb glfs.Callback, arg interface{}, op func() int64) error {
	if f.closed.Load() {
		return glfs.EBADF
	}
	if writable && !f.writable() {
		return glfs.EBADF
	}

	return f.c.srv.submit(func() {
		ret := op()
		f.c.log.Trace().Str("path", f.path).Str("op", string(name)).Int64("ret", ret).Msg("completed")
		f.c.srv.complete(name, f, ret, cb, arg)
	})
}

func (f *file) PreadvAsync(iov [][]byte, offset int64, flags int, cb glfs.Callback, arg interface{}) error {
	if !f.readable() {
		return glfs.EBADF
	}
	if offset < 0 {
		return glfs.EINVAL
	}

	return f.async(OpRead, false, cb, arg, func() int64 {
		var n int64
		for _, b := range iov {
			m := f.ino.readAt(b, offset+n)
			n += int64(m)
			if m < len(b) {
				break
			}
		}
		return n
	})
}

func (f *file) PwritevAsync(iov [][]byte, offset int64, flags int, cb glfs.Callback, arg interface{}) error {
	if offset < 0 {
		return glfs.EINVAL
	}

	return f.async(OpWrite, true, cb, arg, func() int64 {
		var n int64
		for _, b := range iov {
			f.ino.writeAt(b, offset+n)
			n += int64(len(b))
		}
		return n
	})
}

func (f *file) FsyncAsync(cb glfs.Callback, arg interface{}) error {
	return f.async(OpFsync, false, cb, arg, func() int64 { return 0 })
}

func (f *file) DiscardAsync(offset, length int64, cb glfs.Callback, arg interface{}) error {
	if !f.c.Features().Has(glfs.FeatureDiscard) {
		return glfs.ENOSYS
	}
	if offset < 0 || length < 0 {
		return glfs.EINVAL
	}

	return f.async(OpDiscard, true, cb, arg, func() int64 {
		f.ino.zero(offset, length, true)
		return 0
	})
}

func (f *file) ZerofillAsync(offset, length int64, cb glfs.Callback, arg interface{}) error {
	if !f.c.Features().Has(glfs.FeatureZerofill) {
		return glfs.ENOSYS
	}
	if offset < 0 || length < 0 {
		return glfs.EINVAL
	}

	return f.async(OpZerofill, true, cb, arg, func() int64 {
		f.ino.zero(offset, length, false)
		return 0
	})
}

func (f *file) Zerofill(offset, length int64) error {
	if err := f.check(true); err != nil {
		return err
	}
	if !f.c.Features().Has(glfs.FeatureZerofill) {
		return glfs.ENOSYS
	}
	if offset < 0 || length < 0 {
		return glfs.EINVAL
	}

	f.ino.zero(offset, length, false)
	return nil
}

func (f *file) Ftruncate(size int64) error {
	if err := f.check(true); err != nil {
		return err
	}
	if size < 0 {
		return glfs.EINVAL
	}

	f.ino.truncate(size)
	return nil
}

func (f *file) Lseek(offset int64, whence int) (int64, error) {
	if err := f.check(false); err != nil {
		return 0, err
	}

	f.posMut.Lock()
	defer f.posMut.Unlock()

	var pos int64
	switch whence {
	case glfs.SeekSet:
		pos = offset
	case glfs.SeekCur:
		pos = f.pos + offset
	case glfs.SeekEnd:
		pos = f.ino.size() + offset
	default:
		return 0, glfs.EINVAL
	}
	if pos < 0 {
		return 0, glfs.EINVAL
	}

	f.pos = pos
	return pos, nil
}

func (f *file) Fstat() (glfs.Stat, error) {
	if err := f.check(false); err != nil {
		return glfs.Stat{}, err
	}
	return f.ino.stat(), nil
}

func (f *file) Close() error {
	if !f.closed.CAS(false, true) {
		return glfs.EBADF
	}

	f.c.forget(f)
	return nil
}

func (f *file) check(writable bool) error {
	if f.closed.Load() {
		return glfs.EBADF
	}
	if writable && !f.writable() {
		return glfs.EBADF
	}
	return nil
}

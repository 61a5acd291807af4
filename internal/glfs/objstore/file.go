// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/asch/glblk/internal/glfs"
)

// file implements glfs.File. Chunks are always stored whole, so a partial
// write downloads the chunk, patches it and uploads it again.
type file struct {
	c      *client
	path   string
	access int

	closed atomic.Bool

	// Guards hdr and serializes read-modify-write cycles.
	mut sync.RWMutex
	hdr header
	pos int64
}

func (f *file) store() Store { return f.c.store }

func (f *file) writable() bool {
	return f.access == glfs.OWrOnly || f.access == glfs.ORdWr
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

// async queues op on the proxy and reports its result through cb.
func (f *file) async(prio, writable bool, cb glfs.Callback, arg interface{}, op func() int64) error {
	if err := f.check(writable); err != nil {
		return err
	}

	return f.c.proxy.Submit(func() {
		cb(f, op(), arg)
	}, prio)
}

// result converts the outcome of a job to the value reported to callbacks.
func (f *file) result(n int64, err error) int64 {
	if err != nil {
		f.c.log.Error().Err(err).Str("path", f.path).Msg("object store operation failed")
		return errno(err).Ret()
	}
	return n
}

func (f *file) PreadvAsync(iov [][]byte, offset int64, flags int, cb glfs.Callback, arg interface{}) error {
	if f.access == glfs.OWrOnly {
		return glfs.EBADF
	}
	if offset < 0 {
		return glfs.EINVAL
	}

	return f.async(true, false, cb, arg, func() int64 {
		var n int64
		for _, b := range iov {
			m, err := f.readAt(b, offset+n)
			if err != nil {
				return f.result(0, err)
			}
			n += m
			if m < int64(len(b)) {
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

	return f.async(true, true, cb, arg, func() int64 {
		var n int64
		for _, b := range iov {
			if err := f.writeAt(b, offset+n); err != nil {
				return f.result(0, err)
			}
			n += int64(len(b))
		}
		return n
	})
}

func (f *file) FsyncAsync(cb glfs.Callback, arg interface{}) error {
	return f.async(true, false, cb, arg, func() int64 {
		if !f.writable() {
			return 0
		}

		f.mut.RLock()
		defer f.mut.RUnlock()

		return f.result(0, storeHeader(f.store(), f.path, f.hdr))
	})
}

func (f *file) DiscardAsync(offset, length int64, cb glfs.Callback, arg interface{}) error {
	if !f.c.Features().Has(glfs.FeatureDiscard) {
		return glfs.ENOSYS
	}
	if offset < 0 || length < 0 {
		return glfs.EINVAL
	}

	return f.async(false, true, cb, arg, func() int64 {
		return f.result(0, f.zero(offset, length, true))
	})
}

func (f *file) ZerofillAsync(offset, length int64, cb glfs.Callback, arg interface{}) error {
	if !f.c.Features().Has(glfs.FeatureZerofill) {
		return glfs.ENOSYS
	}
	if offset < 0 || length < 0 {
		return glfs.EINVAL
	}

	return f.async(false, true, cb, arg, func() int64 {
		return f.result(0, f.zero(offset, length, false))
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

	if err := f.zero(offset, length, false); err != nil {
		return errno(err)
	}
	return nil
}

func (f *file) Ftruncate(size int64) error {
	if err := f.check(true); err != nil {
		return err
	}
	if size < 0 {
		return glfs.EINVAL
	}

	if err := f.truncate(size); err != nil {
		return errno(err)
	}
	return nil
}

func (f *file) Lseek(offset int64, whence int) (int64, error) {
	if err := f.check(false); err != nil {
		return 0, err
	}

	f.mut.Lock()
	defer f.mut.Unlock()

	var pos int64
	switch whence {
	case glfs.SeekSet:
		pos = offset
	case glfs.SeekCur:
		pos = f.pos + offset
	case glfs.SeekEnd:
		pos = f.hdr.Size + offset
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

	objs, err := f.store().List(f.path + "/")
	if err != nil {
		return glfs.Stat{}, errno(err)
	}

	var allocated int64
	for _, o := range objs {
		if _, ok := parseChunkKey(f.path, o.Key); ok {
			allocated += o.Size
		}
	}

	f.mut.RLock()
	defer f.mut.RUnlock()

	return glfs.Stat{
		Size:      f.hdr.Size,
		Blocks:    (allocated + 511) / 512,
		BlockSize: f.hdr.ChunkSize,
		Mode:      0600,
	}, nil
}

func (f *file) Close() error {
	if !f.closed.CAS(false, true) {
		return glfs.EBADF
	}

	f.c.forget(f)
	return nil
}

// span is the part of a chunk touched by a byte range.
type span struct {
	idx   int64
	off   int64 // within the chunk
	len   int64
	whole bool
}

// spans splits [off, off+length) along chunk boundaries.
func (f *file) spans(off, length int64) []span {
	cs := f.hdr.ChunkSize

	var spans []span
	for length > 0 {
		s := span{idx: off / cs, off: off % cs}
		s.len = cs - s.off
		if s.len > length {
			s.len = length
		}
		s.whole = s.len == cs

		spans = append(spans, s)
		off += s.len
		length -= s.len
	}

	return spans
}

// loadChunk returns the content of chunk idx and whether it exists.
func (f *file) loadChunk(idx int64) ([]byte, bool, error) {
	buf := make([]byte, f.hdr.ChunkSize)

	err := f.store().DownloadAt(chunkKey(f.path, idx), buf, 0)
	if errors.Is(err, ErrNotExist) {
		return buf, false, nil
	}
	return buf, err == nil, err
}

func (f *file) readAt(p []byte, off int64) (int64, error) {
	f.mut.RLock()
	defer f.mut.RUnlock()

	if off >= f.hdr.Size {
		return 0, nil
	}
	if rest := f.hdr.Size - off; int64(len(p)) > rest {
		p = p[:rest]
	}

	var n int64
	for _, s := range f.spans(off, int64(len(p))) {
		dst := p[n : n+s.len]

		err := f.store().DownloadAt(chunkKey(f.path, s.idx), dst, s.off)
		if errors.Is(err, ErrNotExist) {
			for i := range dst {
				dst[i] = 0
			}
		} else if err != nil {
			return 0, err
		}

		n += s.len
	}

	return n, nil
}

func (f *file) writeAt(p []byte, off int64) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	var n int64
	for _, s := range f.spans(off, int64(len(p))) {
		src := p[n : n+s.len]
		n += s.len

		if s.whole {
			if err := f.store().Upload(chunkKey(f.path, s.idx), src); err != nil {
				return err
			}
			continue
		}

		chunk, _, err := f.loadChunk(s.idx)
		if err != nil {
			return err
		}
		copy(chunk[s.off:], src)
		if err := f.store().Upload(chunkKey(f.path, s.idx), chunk); err != nil {
			return err
		}
	}

	return f.extend(off + int64(len(p)))
}

// zero makes the range read as zeroes. With dealloc the range is clipped to
// the file size and whole chunks are deleted, otherwise the file grows as
// needed and the range stays allocated.
func (f *file) zero(off, length int64, dealloc bool) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	end := off + length
	if dealloc && end > f.hdr.Size {
		end = f.hdr.Size
	}
	if off >= end {
		return nil
	}

	for _, s := range f.spans(off, end-off) {
		key := chunkKey(f.path, s.idx)

		if s.whole {
			var err error
			if dealloc {
				err = f.store().Delete(key)
			} else {
				err = f.store().Upload(key, make([]byte, f.hdr.ChunkSize))
			}
			if err != nil {
				return err
			}
			continue
		}

		chunk, exists, err := f.loadChunk(s.idx)
		if err != nil {
			return err
		}
		if !exists && dealloc {
			continue
		}

		for i := s.off; i < s.off+s.len; i++ {
			chunk[i] = 0
		}
		if err := f.store().Upload(key, chunk); err != nil {
			return err
		}
	}

	if dealloc {
		return nil
	}
	return f.extend(end)
}

// extend grows the file to end. It must be called with f.mut held.
func (f *file) extend(end int64) error {
	if end <= f.hdr.Size {
		return nil
	}

	h := f.hdr
	h.Size = end
	if err := storeHeader(f.store(), f.path, h); err != nil {
		return err
	}

	f.hdr = h
	return nil
}

// truncate drops chunks past size and clears the tail of the last one, so
// growing the file again exposes zeroes.
func (f *file) truncate(size int64) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	if size < f.hdr.Size {
		cs := f.hdr.ChunkSize

		if err := f.c.deleteChunks(f.path, (size+cs-1)/cs); err != nil {
			return err
		}

		if tail := size % cs; tail != 0 {
			idx := size / cs
			chunk, exists, err := f.loadChunk(idx)
			if err != nil {
				return err
			}
			if exists {
				for i := tail; i < cs; i++ {
					chunk[i] = 0
				}
				if err := f.store().Upload(chunkKey(f.path, idx), chunk); err != nil {
					return err
				}
			}
		}
	}

	h := f.hdr
	h.Size = size
	if err := storeHeader(f.store(), f.path, h); err != nil {
		return err
	}

	f.hdr = h
	return nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memfs implements the glfs client library on top of volumes kept in
// memory. Asynchronous operations are executed by a pool of worker
// goroutines owned by the Server, so completion callbacks arrive on
// goroutines the caller does not control, like they do with a real cluster.
//
// The Server also offers hooks to misbehave on purpose: results of
// completed operations can be rewritten and completions can be held back.
package memfs

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/asch/glblk/internal/glfs"
)

const (
	defaultWorkers    = 4
	defaultQueueDepth = 128

	// Granularity of the allocation tracking. Allocated size reported by
	// Fstat is always a multiple of it.
	allocUnit = 4096
)

// Op names an asynchronous operation for the result hook.
type Op string

const (
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpFsync    Op = "fsync"
	OpDiscard  Op = "discard"
	OpZerofill Op = "zerofill"
)

// ResultFunc may replace the raw result of a finished operation before its
// callback is called.
type ResultFunc func(op Op, ret int64) int64

// Options of the in-memory server. Zero values select defaults.
type Options struct {
	// Number of worker goroutines completing asynchronous operations.
	Workers int

	// Number of operations which may wait for a worker. Submissions over
	// the limit fail with EAGAIN.
	QueueDepth int

	// Optional operations the volumes support. Zero means all of them.
	Features glfs.Features
}

// Server holds volumes and executes operations on them.
type Server struct {
	opts Options

	mut     sync.RWMutex
	volumes map[string]*volume
	closed  bool

	work chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	clients atomic.Int64

	hookMut sync.Mutex
	result  ResultFunc
	gate    chan struct{}
}

// NewServer starts a server with its workers.
func NewServer(o Options) *Server {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.Features == 0 {
		o.Features = glfs.FeatureAll
	}

	s := &Server{
		opts:    o,
		volumes: make(map[string]*volume),
		work:    make(chan func(), o.QueueDepth),
		quit:    make(chan struct{}),
	}

	for i := 0; i < o.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// CreateVolume adds an empty volume. Existing volumes are kept.
func (s *Server) CreateVolume(name string) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.volumes[name]; !ok {
		s.volumes[name] = &volume{files: make(map[string]*inode)}
	}
}

// AddFile stores a file with the given content, creating the volume if
// needed.
func (s *Server) AddFile(vol, path string, data []byte) {
	s.CreateVolume(vol)

	v := s.volume(vol)
	ino := newInode()
	ino.writeAt(data, 0)

	v.mut.Lock()
	v.files[path] = ino
	v.mut.Unlock()
}

// Stat returns attributes of a file without going through a client.
func (s *Server) Stat(vol, path string) (glfs.Stat, error) {
	v := s.volume(vol)
	if v == nil {
		return glfs.Stat{}, glfs.ENOENT
	}

	ino := v.lookup(path)
	if ino == nil {
		return glfs.Stat{}, glfs.ENOENT
	}

	return ino.stat(), nil
}

// Connector returns a glfs.Connector creating clients of this server.
func (s *Server) Connector() glfs.Connector {
	return glfs.ConnectorFunc(func(volume string) (glfs.Client, error) {
		if volume == "" {
			return nil, glfs.EINVAL
		}
		return &client{srv: s, volname: volume, log: zerolog.Nop()}, nil
	})
}

// Clients returns the number of initialized clients which were not torn down
// yet.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// SetResult installs fn as the result hook. nil removes it.
func (s *Server) SetResult(fn ResultFunc) {
	s.hookMut.Lock()
	defer s.hookMut.Unlock()

	s.result = fn
}

// Hold keeps finished operations from calling their callbacks until release
// is called.
func (s *Server) Hold() (release func()) {
	s.hookMut.Lock()
	defer s.hookMut.Unlock()

	gate := make(chan struct{})
	s.gate = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hookMut.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.hookMut.Unlock()
			close(gate)
		})
	}
}

// Close stops accepting operations, completes the queued ones and stops the
// workers.
func (s *Server) Close() {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mut.Unlock()

	s.wg.Wait()
}

func (s *Server) volume(name string) *volume {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.volumes[name]
}

// submit queues job for a worker. It fails immediately when the server is
// closed or the queue is full.
func (s *Server) submit(job func()) error {
	s.mut.RLock()
	defer s.mut.RUnlock()

	if s.closed {
		return glfs.ESHUTDOWN
	}

	select {
	case s.work <- job:
		return nil
	default:
		return glfs.EAGAIN
	}
}

// complete runs on a worker and reports ret through cb after applying the
// hooks.
func (s *Server) complete(op Op, fd glfs.File, ret int64, cb glfs.Callback, arg interface{}) {
	s.hookMut.Lock()
	result, gate := s.result, s.gate
	s.hookMut.Unlock()

	if result != nil {
		ret = result(op, ret)
	}
	if gate != nil {
		<-gate
	}

	cb(fd, ret, arg)
}

func (s *Server) worker() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.work:
			job()
		case <-s.quit:
			for {
				select {
				case job := <-s.work:
					job()
				default:
					return
				}
			}
		}
	}
}

type volume struct {
	mut   sync.RWMutex
	files map[string]*inode
}

func (v *volume) lookup(path string) *inode {
	v.mut.RLock()
	defer v.mut.RUnlock()

	return v.files[path]
}

// inode is the content of one file.
type inode struct {
	mut   sync.RWMutex
	data  []byte
	alloc map[int64]struct{}
	mtime time.Time
}

func newInode() *inode {
	return &inode{alloc: make(map[int64]struct{}), mtime: time.Now()}
}

func (i *inode) readAt(p []byte, off int64) int {
	i.mut.RLock()
	defer i.mut.RUnlock()

	if off >= int64(len(i.data)) {
		return 0
	}
	return copy(p, i.data[off:])
}

func (i *inode) writeAt(p []byte, off int64) {
	i.mut.Lock()
	defer i.mut.Unlock()

	i.grow(off + int64(len(p)))
	copy(i.data[off:], p)
	i.allocate(off, int64(len(p)))
	i.mtime = time.Now()
}

// zero clears the range. With dealloc the units fully inside the range are
// released, otherwise the range gets allocated. Discards never extend the
// file, zero-fills do.
func (i *inode) zero(off, length int64, dealloc bool) {
	i.mut.Lock()
	defer i.mut.Unlock()

	end := off + length
	if dealloc {
		if end > int64(len(i.data)) {
			end = int64(len(i.data))
		}
	} else {
		i.grow(end)
	}
	if off >= end {
		return
	}

	for j := off; j < end; j++ {
		i.data[j] = 0
	}

	if dealloc {
		first := (off + allocUnit - 1) / allocUnit
		last := end / allocUnit
		for u := first; u < last; u++ {
			delete(i.alloc, u)
		}
	} else {
		i.allocate(off, end-off)
	}
	i.mtime = time.Now()
}

func (i *inode) truncate(size int64) {
	i.mut.Lock()
	defer i.mut.Unlock()

	if size < int64(len(i.data)) {
		i.data = i.data[:size]
		for u := range i.alloc {
			if u*allocUnit >= size {
				delete(i.alloc, u)
			}
		}
	} else {
		i.grow(size)
	}
	i.mtime = time.Now()
}

func (i *inode) size() int64 {
	i.mut.RLock()
	defer i.mut.RUnlock()

	return int64(len(i.data))
}

func (i *inode) stat() glfs.Stat {
	i.mut.RLock()
	defer i.mut.RUnlock()

	return glfs.Stat{
		Size:      int64(len(i.data)),
		Blocks:    int64(len(i.alloc)) * allocUnit / 512,
		BlockSize: allocUnit,
		Mode:      0600,
		ModTime:   i.mtime,
	}
}

// grow must be called with the lock held.
func (i *inode) grow(size int64) {
	if size <= int64(len(i.data)) {
		return
	}
	if size <= int64(cap(i.data)) {
		old := len(i.data)
		i.data = i.data[:size]
		for j := old; j < len(i.data); j++ {
			i.data[j] = 0
		}
		return
	}

	data := make([]byte, size, size+size/4)
	copy(data, i.data)
	i.data = data
}

// allocate must be called with the lock held.
func (i *inode) allocate(off, length int64) {
	if length <= 0 {
		return
	}
	for u := off / allocUnit; u <= (off+length-1)/allocUnit; u++ {
		i.alloc[u] = struct{}{}
	}
}

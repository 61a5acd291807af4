// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/glblk/internal/aio"
	"github.com/asch/glblk/internal/glfs"
	"github.com/asch/glblk/internal/metrics"
)

// SectorSize is the granularity of image sizes.
const SectorSize = 512

// Environment holds what a Volume needs from its host.
type Environment struct {
	// Connector creates clients of the storage volume.
	Connector glfs.Connector

	// Scheduler resumes goroutines parked on asynchronous operations.
	Scheduler aio.Scheduler

	// Disabled optional operations. They fail with a *CapabilityError even
	// when the volume supports them.
	Disabled glfs.Features

	// ClientLogLevel for the client library. Zero selects glfs.LogError.
	ClientLogLevel glfs.LogLevel

	// Log defaults to the global logger.
	Log *zerolog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

func (env *Environment) clientLogLevel() glfs.LogLevel {
	if env.ClientLogLevel == glfs.LogNone {
		return glfs.LogError
	}
	return env.ClientLogLevel
}

func (env *Environment) logger() zerolog.Logger {
	if env.Log == nil {
		return log.Logger
	}
	return *env.Log
}

func (env *Environment) validate() error {
	if env.Connector == nil {
		return fmt.Errorf("gluster: environment without connector")
	}
	if env.Scheduler == nil {
		return fmt.Errorf("gluster: environment without scheduler")
	}
	return nil
}

// OpenOptions for Open.
type OpenOptions struct {
	ReadOnly bool

	// Direct bypasses the client side caches.
	Direct bool
}

func (o OpenOptions) flags() int {
	flags := glfs.ORdWr
	if o.ReadOnly {
		flags = glfs.ORdOnly
	}
	if o.Direct {
		flags |= glfs.ODirect
	}
	return flags
}

// Preallocation mode of Create.
type Preallocation string

const (
	PreallocOff  Preallocation = "off"
	PreallocFull Preallocation = "full"
)

// ParsePreallocation accepts "off", "full" and the empty string meaning
// "off".
func ParsePreallocation(s string) (Preallocation, error) {
	switch Preallocation(strings.ToLower(s)) {
	case "", PreallocOff:
		return PreallocOff, nil
	case PreallocFull:
		return PreallocFull, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrInvalidPreallocation)
}

// CreateOptions for Create.
type CreateOptions struct {
	// Size in bytes. It is rounded down to a multiple of SectorSize.
	Size int64

	Preallocation Preallocation
}

// Volume is an open image. Any number of goroutines may issue operations
// concurrently. Each of them is parked until its own operation completes.
type Volume struct {
	s        *session
	sched    aio.Scheduler
	metrics  *metrics.Metrics
	readOnly bool

	closeOnce sync.Once
	closeErr  error
}

// Open parses filename, establishes a session and opens the image.
func Open(env Environment, filename string, o OpenOptions) (*Volume, error) {
	d, err := ParseDescriptor(filename)
	if err != nil {
		return nil, err
	}

	return open(&env, d, o)
}

func open(env *Environment, d *Descriptor, o OpenOptions) (*Volume, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}

	s, err := establish(env, d)
	if err != nil {
		return nil, err
	}

	if err := s.open(o.flags()); err != nil {
		return nil, err
	}

	s.log.Info().Bool("read_only", o.ReadOnly).Bool("direct", o.Direct).Msg("image opened")

	return &Volume{
		s:        s,
		sched:    env.Scheduler,
		metrics:  env.Metrics,
		readOnly: o.ReadOnly,
	}, nil
}

// Create creates the image named by filename, or truncates an existing
// one, and sizes it. The session is torn down before Create returns.
func Create(env Environment, filename string, o CreateOptions) error {
	d, err := ParseDescriptor(filename)
	if err != nil {
		return err
	}

	return create(&env, d, o)
}

func create(env *Environment, d *Descriptor, o CreateOptions) (err error) {
	if err := env.validate(); err != nil {
		return err
	}

	prealloc, err := ParsePreallocation(string(o.Preallocation))
	if err != nil {
		return err
	}

	if o.Size < 0 {
		return &IOError{Op: opTruncate, Errno: glfs.EINVAL}
	}

	s, err := establish(env, d)
	if err != nil {
		return err
	}

	defer func() {
		if terr := s.terminate(); terr != nil {
			err = multierror.Append(err, terr).ErrorOrNil()
		}
	}()

	// Nothing may be written to the volume if full preallocation cannot be
	// honored.
	if prealloc == PreallocFull && !s.features().Has(glfs.FeatureZerofill) {
		return &CapabilityError{Capability: "full preallocation"}
	}

	s.fd, err = s.fs.Creat(d.Image, glfs.OWrOnly|glfs.OCreat|glfs.OTrunc, 0600)
	if err != nil {
		return &IOError{Op: "create", Errno: glfs.ToErrno(err)}
	}

	size := o.Size / SectorSize * SectorSize

	if err := s.fd.Ftruncate(size); err != nil {
		return &IOError{Op: opTruncate, Errno: glfs.ToErrno(err)}
	}

	if prealloc == PreallocFull {
		if err := s.fd.Zerofill(0, size); err != nil {
			return &IOError{Op: opZerofill, Errno: glfs.ToErrno(err)}
		}
	}

	s.log.Info().Int64("size", size).Str("preallocation", string(prealloc)).Msg("image created")

	return nil
}

// ID identifies the session of the volume in logs.
func (v *Volume) ID() string {
	return v.s.id
}

// Descriptor the volume was opened with.
func (v *Volume) Descriptor() Descriptor {
	return *v.s.desc
}

// ReadOnly reports whether the image was opened read only.
func (v *Volume) ReadOnly() bool {
	return v.readOnly
}

// file returns the open image, or fails with EBADF after Close.
func (v *Volume) file(op string) (glfs.File, error) {
	if v.s.fd == nil {
		return nil, &IOError{Op: op, Errno: glfs.EBADF}
	}
	return v.s.fd, nil
}

// Readv fills iov with data starting at offset.
func (v *Volume) Readv(offset int64, iov [][]byte) error {
	fd, err := v.file(opRead)
	if err != nil {
		return err
	}

	return v.submit(opRead, glfs.IovLen(iov), func(cb glfs.Callback, arg interface{}) error {
		return fd.PreadvAsync(iov, offset, 0, cb, arg)
	})
}

// Writev writes iov starting at offset.
func (v *Volume) Writev(offset int64, iov [][]byte) error {
	fd, err := v.file(opWrite)
	if err != nil {
		return err
	}

	return v.submit(opWrite, glfs.IovLen(iov), func(cb glfs.Callback, arg interface{}) error {
		return fd.PwritevAsync(iov, offset, 0, cb, arg)
	})
}

// ReadAt implements io.ReaderAt. It either reads len(p) bytes or fails.
func (v *Volume) ReadAt(p []byte, off int64) (int, error) {
	if err := v.Readv(off, [][]byte{p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt. It either writes len(p) bytes or fails.
func (v *Volume) WriteAt(p []byte, off int64) (int, error) {
	if err := v.Writev(off, [][]byte{p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush makes all completed writes durable.
func (v *Volume) Flush() error {
	fd, err := v.file(opFlush)
	if err != nil {
		return err
	}

	return v.submit(opFlush, 0, func(cb glfs.Callback, arg interface{}) error {
		return fd.FsyncAsync(cb, arg)
	})
}

// Discard deallocates length bytes at offset. The range reads as zeroes
// afterwards.
func (v *Volume) Discard(offset, length int64) error {
	fd, err := v.file(opDiscard)
	if err != nil {
		return err
	}

	if !v.s.features().Has(glfs.FeatureDiscard) {
		return &CapabilityError{Capability: opDiscard}
	}

	return v.submit(opDiscard, 0, func(cb glfs.Callback, arg interface{}) error {
		return fd.DiscardAsync(offset, length, cb, arg)
	})
}

// WriteZeroes makes length bytes at offset read as zeroes while keeping
// them allocated.
func (v *Volume) WriteZeroes(offset, length int64) error {
	fd, err := v.file(opZerofill)
	if err != nil {
		return err
	}

	if !v.s.features().Has(glfs.FeatureZerofill) {
		return &CapabilityError{Capability: opZerofill}
	}

	return v.submit(opZerofill, length, func(cb glfs.Callback, arg interface{}) error {
		return fd.ZerofillAsync(offset, length, cb, arg)
	})
}

// Truncate resizes the image. It blocks the calling goroutine.
func (v *Volume) Truncate(size int64) error {
	fd, err := v.file(opTruncate)
	if err != nil {
		return err
	}

	if err := fd.Ftruncate(size); err != nil {
		return &IOError{Op: opTruncate, Errno: glfs.ToErrno(err)}
	}
	return nil
}

// Length returns the current size of the image.
func (v *Volume) Length() (int64, error) {
	fd, err := v.file(opLength)
	if err != nil {
		return 0, err
	}

	size, err := fd.Lseek(0, glfs.SeekEnd)
	if err != nil {
		return 0, &IOError{Op: opLength, Errno: glfs.ToErrno(err)}
	}
	return size, nil
}

// AllocatedSize returns the number of bytes the image occupies on the
// volume.
func (v *Volume) AllocatedSize() (int64, error) {
	fd, err := v.file(opStat)
	if err != nil {
		return 0, err
	}

	st, err := fd.Fstat()
	if err != nil {
		return 0, &IOError{Op: opStat, Errno: glfs.ToErrno(err)}
	}
	return st.Blocks * 512, nil
}

// HasZeroInit reports whether a freshly created image is known to read as
// zeroes. The volume may be backed by block devices, so it never is.
func (v *Volume) HasZeroInit() bool {
	return false
}

// Close closes the image and tears the session down. No operation may be
// outstanding. Further calls return the result of the first one.
func (v *Volume) Close() error {
	v.closeOnce.Do(func() {
		v.closeErr = v.s.terminate()
	})
	return v.closeErr
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package glfs describes the client library used to reach files on a
// distributed storage volume. It mirrors the shape of libgfapi: a per-volume
// client which is configured, connected with a blocking Init and then used to
// open files. Files offer blocking metadata calls and asynchronous data calls
// whose completion callbacks run on goroutines owned by the library, never on
// the caller's goroutine.
//
// The package only holds the contract. Implementations live in subpackages:
// memfs keeps volumes in memory, objstore keeps them in an object store and
// null acknowledges everything without storing anything.
package glfs

import (
	"os"
	"time"
)

// Open flags understood by Client.Open and Client.Creat. The access mode
// values are the POSIX ones. ODirect carries the Linux value because the
// library forwards it verbatim to the bricks.
const (
	ORdOnly = os.O_RDONLY
	OWrOnly = os.O_WRONLY
	ORdWr   = os.O_RDWR
	OCreat  = os.O_CREATE
	OTrunc  = os.O_TRUNC
	ODirect = 0x4000

	// OAccMode masks the access mode out of the flags.
	OAccMode = 0x3
)

// Whence values for File.Lseek.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// LogLevel of the library's own logging. The numbering follows GF_LOG_*.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogEmerg
	LogAlert
	LogCritical
	LogError
	LogWarning
	LogNotice
	LogInfo
	LogDebug
	LogTrace
)

// Features is a bitmask of optional operations a client supports.
type Features uint32

const (
	FeatureDiscard Features = 1 << iota
	FeatureZerofill

	FeatureAll = FeatureDiscard | FeatureZerofill
)

// Has reports whether all features in o are present in f.
func (f Features) Has(o Features) bool {
	return f&o == o
}

// Callback is called by the library when an asynchronous operation finishes.
// ret is the number of bytes transferred, zero for operations without a
// transfer, or a negated Errno on failure. arg is the value passed at
// submission. Callbacks run on a goroutine the caller does not control.
type Callback func(fd File, ret int64, arg interface{})

// Stat is the subset of file attributes the library reports.
type Stat struct {
	Size      int64
	Blocks    int64 // Number of 512-byte units actually allocated.
	BlockSize int64
	Mode      os.FileMode
	ModTime   time.Time
}

// Connector creates clients bound to a volume. It corresponds to glfs_new.
type Connector interface {
	New(volume string) (Client, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(volume string) (Client, error)

// New implements Connector.
func (f ConnectorFunc) New(volume string) (Client, error) {
	return f(volume)
}

// Client is a handle to one volume.
type Client interface {
	// SetVolfileServer sets where the volume description is fetched from.
	// For the unix transport host is the socket path and port is unused.
	SetVolfileServer(transport, host string, port int) error

	// SetLogging directs the library's logging. "-" means stderr.
	SetLogging(path string, level LogLevel) error

	// Init connects to the volume. It blocks until the connection is up or
	// has failed.
	Init() error

	// Open opens an existing file.
	Open(path string, flags int) (File, error)

	// Creat creates a file, or opens it according to flags if it exists.
	Creat(path string, flags int, mode os.FileMode) (File, error)

	// Features reports the optional operations the connected volume
	// supports. Only meaningful after Init.
	Features() Features

	// Fini tears the client down. Files still open become unusable.
	Fini() error
}

// File is an open file on a volume.
type File interface {
	// PreadvAsync reads into iov starting at offset.
	PreadvAsync(iov [][]byte, offset int64, flags int, cb Callback, arg interface{}) error

	// PwritevAsync writes iov starting at offset.
	PwritevAsync(iov [][]byte, offset int64, flags int, cb Callback, arg interface{}) error

	// FsyncAsync makes previous writes durable.
	FsyncAsync(cb Callback, arg interface{}) error

	// DiscardAsync deallocates the range. Returns ENOSYS when unsupported.
	DiscardAsync(offset, length int64, cb Callback, arg interface{}) error

	// ZerofillAsync writes zeroes over the range. Returns ENOSYS when
	// unsupported.
	ZerofillAsync(offset, length int64, cb Callback, arg interface{}) error

	// Zerofill is the blocking variant of ZerofillAsync.
	Zerofill(offset, length int64) error

	Ftruncate(size int64) error
	Lseek(offset int64, whence int) (int64, error)
	Fstat() (Stat, error)
	Close() error
}

// IovLen returns the total length of iov.
func IovLen(iov [][]byte) int64 {
	var n int64
	for _, b := range iov {
		n += int64(len(b))
	}
	return n
}

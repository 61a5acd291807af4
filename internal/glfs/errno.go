// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package glfs

import (
	"errors"
	"strconv"
)

// Errno is a POSIX error code as reported by the library. Completion
// callbacks report it negated in their ret argument.
//
// The codes used by this module are re-defined here so their values are the
// Linux ones on every platform.
type Errno int32

const (
	EPERM           = Errno(0x01)
	ENOENT          = Errno(0x02)
	EINTR           = Errno(0x04)
	EIO             = Errno(0x05)
	EBADF           = Errno(0x09)
	EAGAIN          = Errno(0x0b)
	ENOMEM          = Errno(0x0c)
	EACCES          = Errno(0x0d)
	EEXIST          = Errno(0x11)
	ENODEV          = Errno(0x13)
	EINVAL          = Errno(0x16)
	EFBIG           = Errno(0x1b)
	ENOSPC          = Errno(0x1c)
	EROFS           = Errno(0x1e)
	ENOSYS          = Errno(0x26)
	ENOTCONN        = Errno(0x6b)
	ESHUTDOWN       = Errno(0x6c)
	ETIMEDOUT       = Errno(0x6e)
	ECONNREFUSED    = Errno(0x6f)
	EHOSTUNREACH    = Errno(0x71)
	EPROTONOSUPPORT = Errno(0x5d)
)

var errnoDescriptions = map[Errno]string{
	EPERM:           "operation not permitted",
	ENOENT:          "no such file or directory",
	EINTR:           "interrupted system call",
	EIO:             "input/output error",
	EBADF:           "bad file descriptor",
	EAGAIN:          "resource temporarily unavailable",
	ENOMEM:          "cannot allocate memory",
	EACCES:          "permission denied",
	EEXIST:          "file exists",
	ENODEV:          "no such device",
	EINVAL:          "invalid argument",
	EFBIG:           "file too large",
	ENOSPC:          "no space left on device",
	EROFS:           "read-only file system",
	ENOSYS:          "function not implemented",
	ENOTCONN:        "transport endpoint is not connected",
	ESHUTDOWN:       "cannot send after transport endpoint shutdown",
	ETIMEDOUT:       "connection timed out",
	ECONNREFUSED:    "connection refused",
	EHOSTUNREACH:    "no route to host",
	EPROTONOSUPPORT: "protocol not supported",
}

// Error prints the description of the error.
func (e Errno) Error() string {
	desc := errnoDescriptions[e]
	if desc != "" {
		return desc
	}
	return "errno " + strconv.Itoa(int(e))
}

// Ret returns the value a completion callback reports for e.
func (e Errno) Ret() int64 {
	return -int64(e)
}

// ToErrno extracts the Errno carried by err. Errors without one map to EIO.
func ToErrno(err error) Errno {
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EIO
}
